// Package docker assembles `docker run` invocations for BIDS-app
// containers (qsiprep, qsirecon, smriprep). The apps share one calling
// convention: the dataset is mounted read-only at /data, outputs at
// /out, scratch at /work, and host-file flags are remapped to their
// mounted container paths.
package docker

import (
	"strconv"
	"strings"
)

// Container paths fixed by the run convention.
const (
	DataPath      = "/data"
	OutPath       = "/out"
	WorkPath      = "/work"
	LicensePath   = "/fslicense.txt"
	FilterPath    = "/bids_filters.json"
	ReconSpecPath = "/recon-spec.yaml"
)

// Mount is a -v HOST:CONTAINER[:ro] bind mount.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

func (m Mount) String() string {
	spec := m.Host + ":" + m.Container
	if m.ReadOnly {
		spec += ":ro"
	}
	return spec
}

// Command builds one container invocation:
//
//	docker run --rm [-v host:ctr ...] image /data /out <level> [flags] [remapped flags]
//
// Mounts and flags render in the order they were added; remapped flags
// always render last.
type Command struct {
	Binary string // docker binary; "docker" when empty
	Image  string // repository:tag
	Level  string // analysis level; "participant" when empty

	mounts []Mount
	flags  []string
	remaps []string
}

func New(binary, image string) *Command {
	return &Command{Binary: binary, Image: image}
}

// Mount binds host into the container at container.
func (c *Command) Mount(host, container string, readOnly bool) *Command {
	c.mounts = append(c.mounts, Mount{Host: host, Container: container, ReadOnly: readOnly})
	return c
}

// Flag appends `flag value` after the positional arguments.
func (c *Command) Flag(flag, value string) *Command {
	c.flags = append(c.flags, flag, value)
	return c
}

// BoolFlag appends a bare flag with no value.
func (c *Command) BoolFlag(flag string) *Command {
	c.flags = append(c.flags, flag)
	return c
}

// IntFlag appends `flag n`.
func (c *Command) IntFlag(flag string, n int) *Command {
	return c.Flag(flag, strconv.Itoa(n))
}

// FloatFlag appends `flag v` with v in its shortest decimal form
// (1.6 renders as "1.6", not "1.600000").
func (c *Command) FloatFlag(flag string, v float64) *Command {
	return c.Flag(flag, strconv.FormatFloat(v, 'g', -1, 64))
}

// ListFlag appends `flag a,b,c` with values joined by sep.
func (c *Command) ListFlag(flag string, values []string, sep string) *Command {
	return c.Flag(flag, strings.Join(values, sep))
}

// RemapFlag points flag at a container path. Remapped flags render
// after the regular flags.
func (c *Command) RemapFlag(flag, containerPath string) *Command {
	c.remaps = append(c.remaps, flag, containerPath)
	return c
}

// Tool returns the docker binary to invoke.
func (c *Command) Tool() string {
	if c.Binary == "" {
		return "docker"
	}
	return c.Binary
}

func (c *Command) level() string {
	if c.Level == "" {
		return "participant"
	}
	return c.Level
}

// Args returns the argv handed to the docker binary.
func (c *Command) Args() []string {
	args := []string{"run", "--rm"}
	for _, m := range c.mounts {
		args = append(args, "-v", m.String())
	}
	args = append(args, c.Image, DataPath, OutPath, c.level())
	args = append(args, c.flags...)
	args = append(args, c.remaps...)
	return args
}

// Cmdline renders the full command line for logging and previews.
func (c *Command) Cmdline() string {
	return c.Tool() + " " + strings.Join(c.Args(), " ")
}
