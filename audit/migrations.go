package audit

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		skill_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		duration_ns INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invocations_skill ON invocations(skill_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		decision TEXT NOT NULL,
		escalated INTEGER NOT NULL DEFAULT 0,
		decided_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_skill ON approvals(skill_id, decided_at)`,
	`CREATE TABLE IF NOT EXISTS health_transitions (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT,
		occurred_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_skill ON health_transitions(skill_id, occurred_at)`,
}
