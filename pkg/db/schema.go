package db

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    venue TEXT NOT NULL,
    enabled INTEGER DEFAULT 1,
    risk_multiplier REAL DEFAULT 1,
    max_position_pct REAL DEFAULT 0.1,
    max_open_positions INTEGER DEFAULT 0,
    max_daily_loss REAL DEFAULT 0,
    safety_buffer REAL DEFAULT 0.2,
    allow_stacking INTEGER DEFAULT 0,
    auto_sync INTEGER DEFAULT 0,
    allowed_symbols TEXT DEFAULT 'all',
    api_key_encrypted TEXT DEFAULT '',
    api_secret_encrypted TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    remaining_qty REAL NOT NULL,
    reserved_capital REAL NOT NULL,
    state TEXT NOT NULL,
    step_index INTEGER DEFAULT 0,
    peak_pnl REAL DEFAULT 0,
    policy TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE INDEX IF NOT EXISTS idx_positions_account ON positions(account_id, state);

CREATE TABLE IF NOT EXISTS reservations (
    position_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    amount REAL NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trade_signals (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    size REAL NOT NULL,
    size_type TEXT NOT NULL,
    master_balance REAL NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_dispatches (
    signal_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (signal_id, account_id)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    position_id TEXT DEFAULT '',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    requested_size REAL NOT NULL,
    size_type TEXT NOT NULL,
    filled_volume REAL DEFAULT 0,
    filled_price REAL DEFAULT 0,
    status TEXT NOT NULL,
    reason TEXT DEFAULT '',
    balance_delta REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS drift_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    local_qty REAL NOT NULL,
    exchange_qty REAL NOT NULL,
    difference REAL NOT NULL,
    synced INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS risk_metrics (
    account_id TEXT NOT NULL,
    date TEXT NOT NULL,
    daily_pnl REAL DEFAULT 0,
    daily_trades INTEGER DEFAULT 0,
    daily_losses REAL DEFAULT 0,
    PRIMARY KEY (account_id, date)
);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`
