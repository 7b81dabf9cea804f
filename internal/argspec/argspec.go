// Package argspec builds external tool command lines from declarative field
// lists. Each field carries a printf-style template with a single %s
// placeholder; fields render in declaration order, unset optional fields are
// omitted, and boolean fields emit their template verbatim when true.
package argspec

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind describes how a field value is rendered
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat      // shortest decimal representation, e.g. 1.6
	KindFixedFloat // six decimal places, e.g. 15.000000
	KindBool
	KindList
)

// Field declares one command-line argument
type Field struct {
	Name     string
	Template string // e.g. "--small-delta %s"; bare flag for KindBool
	Kind     Kind
	Sep      string // list separator, "," when empty
	Required bool
}

// Command accumulates values for a declared field list
type Command struct {
	tool   string
	fields []Field
	index  map[string]int
	values map[string]string
	flags  map[string]bool
}

// New creates a Command for the given tool and field declarations
func New(tool string, fields ...Field) *Command {
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		index[f.Name] = i
	}
	return &Command{
		tool:   tool,
		fields: fields,
		index:  index,
		values: make(map[string]string),
		flags:  make(map[string]bool),
	}
}

// Tool returns the executable name
func (c *Command) Tool() string {
	return c.tool
}

func (c *Command) field(name string, kind Kind) (Field, error) {
	i, ok := c.index[name]
	if !ok {
		return Field{}, fmt.Errorf("unknown field %q for %s", name, c.tool)
	}
	f := c.fields[i]
	if f.Kind != kind {
		return Field{}, fmt.Errorf("field %q of %s is not settable as this type", name, c.tool)
	}
	return f, nil
}

// SetString sets a string-valued field
func (c *Command) SetString(name, v string) error {
	if _, err := c.field(name, KindString); err != nil {
		return err
	}
	c.values[name] = v
	return nil
}

// SetInt sets an integer-valued field
func (c *Command) SetInt(name string, v int) error {
	if _, err := c.field(name, KindInt); err != nil {
		return err
	}
	c.values[name] = strconv.Itoa(v)
	return nil
}

// SetFloat sets a float-valued field, rendered per the field kind
func (c *Command) SetFloat(name string, v float64) error {
	i, ok := c.index[name]
	if !ok {
		return fmt.Errorf("unknown field %q for %s", name, c.tool)
	}
	switch c.fields[i].Kind {
	case KindFloat:
		c.values[name] = strconv.FormatFloat(v, 'g', -1, 64)
	case KindFixedFloat:
		c.values[name] = strconv.FormatFloat(v, 'f', 6, 64)
	default:
		return fmt.Errorf("field %q of %s is not settable as this type", name, c.tool)
	}
	return nil
}

// SetBool sets a boolean field; false omits the flag entirely
func (c *Command) SetBool(name string, v bool) error {
	if _, err := c.field(name, KindBool); err != nil {
		return err
	}
	c.flags[name] = v
	return nil
}

// SetList sets a list-valued field, joined with the field separator
func (c *Command) SetList(name string, v []string) error {
	f, err := c.field(name, KindList)
	if err != nil {
		return err
	}
	sep := f.Sep
	if sep == "" {
		sep = ","
	}
	c.values[name] = strings.Join(v, sep)
	return nil
}

// rendered returns the per-field argument chunks in declaration order
func (c *Command) rendered() ([]string, error) {
	var chunks []string
	for _, f := range c.fields {
		if f.Kind == KindBool {
			if c.flags[f.Name] {
				chunks = append(chunks, f.Template)
			}
			continue
		}
		v, ok := c.values[f.Name]
		if !ok {
			if f.Required {
				return nil, fmt.Errorf("%s: required field %q not set", c.tool, f.Name)
			}
			continue
		}
		chunks = append(chunks, fmt.Sprintf(f.Template, v))
	}
	return chunks, nil
}

// Args returns the argument vector after the tool name, suitable for exec
func (c *Command) Args() ([]string, error) {
	chunks, err := c.rendered()
	if err != nil {
		return nil, err
	}
	var args []string
	for _, chunk := range chunks {
		args = append(args, strings.Fields(chunk)...)
	}
	return args, nil
}

// Cmdline returns the full command as a single string
func (c *Command) Cmdline() (string, error) {
	chunks, err := c.rendered()
	if err != nil {
		return "", err
	}
	return strings.Join(append([]string{c.tool}, chunks...), " "), nil
}
