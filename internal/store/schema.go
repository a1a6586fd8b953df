package store

// migrations is an ordered list of additive schema steps. New migrations
// are appended, never edited, so `len(migrations)` is always the target
// schema version.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		last_message_time INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		from_self INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_id, timestamp);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_kind TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'isolated',
		next_run INTEGER,
		last_run INTEGER,
		last_result TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, next_run);

	CREATE TABLE IF NOT EXISTS task_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		result_text TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs (task_id);

	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_folder TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		prompt_tokens INTEGER,
		response_tokens INTEGER,
		duration_ms INTEGER NOT NULL,
		model TEXT,
		is_scheduled INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_usage_group_ts ON usage_records (group_folder, timestamp);

	CREATE TABLE IF NOT EXISTS memory_summaries (
		group_folder TEXT PRIMARY KEY,
		summary TEXT NOT NULL DEFAULT '',
		messages_archived INTEGER NOT NULL DEFAULT 0,
		chars_archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		group_folder TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (group_folder, key)
	);

	CREATE TABLE IF NOT EXISTS knowledge_docs (
		group_folder TEXT NOT NULL,
		filename TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		size_chars INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (group_folder, filename)
	);
	`,
}
