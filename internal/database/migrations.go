package database

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    email_password TEXT,
    user_id TEXT,
    session_token TEXT,
    auth_token TEXT,
    refresh_token TEXT,
    active_proxy TEXT,
    cooldown_until DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_proxy ON sessions(active_proxy);
CREATE INDEX IF NOT EXISTS idx_sessions_cooldown ON sessions(cooldown_until);
`
