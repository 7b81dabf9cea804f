package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    procedure TEXT NOT NULL,
    version TEXT,
    subject TEXT,
    session TEXT,
    status TEXT NOT NULL,
    exit_code INTEGER DEFAULT 0,
    output_dir TEXT,
    log_path TEXT,
    error TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_procedure ON runs(procedure);
CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(subject, session);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS sessions (
    subject TEXT NOT NULL,
    session TEXT NOT NULL,
    path TEXT,
    first_seen TIMESTAMP,
    last_seen TIMESTAMP,
    PRIMARY KEY (subject, session)
);
`
