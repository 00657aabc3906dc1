package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE channels (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				credentials JSONB DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE channel_cursors (
				channel_id VARCHAR(255) PRIMARY KEY,
				update_offset BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE automations (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				channel_id VARCHAR(255) REFERENCES channels(id) ON DELETE CASCADE,
				trigger_kind VARCHAR(50) NOT NULL CHECK (trigger_kind IN ('new_chat', 'keyword', 'no_response', 'scheduled')),
				trigger_config JSONB DEFAULT '{}',
				entry_step_id VARCHAR(255),
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_automations_trigger ON automations(trigger_kind, active);

			CREATE TABLE automation_steps (
				automation_id VARCHAR(255) NOT NULL REFERENCES automations(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				name VARCHAR(255),
				config JSONB DEFAULT '{}',
				next_step_id VARCHAR(255),
				condition_true_step_id VARCHAR(255),
				condition_false_step_id VARCHAR(255),
				position INT NOT NULL DEFAULT 0,
				PRIMARY KEY (automation_id, id)
			);

			CREATE TABLE clients (
				id VARCHAR(255) PRIMARY KEY,
				channel_id VARCHAR(255) NOT NULL,
				external_id VARCHAR(255) NOT NULL,
				name VARCHAR(255),
				username VARCHAR(255),
				attributes JSONB DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (channel_id, external_id)
			);

			CREATE TABLE chats (
				id VARCHAR(255) PRIMARY KEY,
				channel_id VARCHAR(255) NOT NULL,
				client_id VARCHAR(255) REFERENCES clients(id),
				external_chat_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'open',
				priority VARCHAR(50) NOT NULL DEFAULT 'normal',
				operator_id VARCHAR(255),
				tags TEXT[] NOT NULL DEFAULT '{}',
				attributes JSONB DEFAULT '{}',
				last_client_message_at TIMESTAMP WITH TIME ZONE,
				last_operator_message_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				UNIQUE (channel_id, external_chat_id)
			);

			CREATE INDEX idx_chats_status ON chats(status, channel_id);

			CREATE TABLE automation_logs (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL REFERENCES automations(id),
				channel_id VARCHAR(255) NOT NULL,
				chat_id VARCHAR(255) NOT NULL REFERENCES chats(id),
				client_id VARCHAR(255),
				current_step_id VARCHAR(255),
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'waiting', 'completed', 'failed')),
				context JSONB DEFAULT '{}',
				next_run_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_automation_logs_due ON automation_logs(status, next_run_at);
			CREATE INDEX idx_automation_logs_chat ON automation_logs(automation_id, chat_id, created_at);
		`,
		2: `
			CREATE TABLE automation_schedules (
				automation_id VARCHAR(255) PRIMARY KEY REFERENCES automations(id) ON DELETE CASCADE,
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_fired_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_automation_schedules_next_due_at ON automation_schedules(next_due_at);
		`,
		3: `
			CREATE INDEX idx_automation_logs_chat_id ON automation_logs(chat_id);
		`,
	}
}
