package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE data_collections (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				schema JSONB,
				record_count INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE data_records (
				id VARCHAR(64) PRIMARY KEY,
				collection_id VARCHAR(64) NOT NULL REFERENCES data_collections(id) ON DELETE CASCADE,
				position BIGINT NOT NULL,
				data JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'archived')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (collection_id, position)
			);

			CREATE INDEX idx_data_records_collection_status ON data_records(collection_id, status, position);

			CREATE TABLE devices (
				id VARCHAR(64) PRIMARY KEY,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'inactive', 'blocked')),
				last_active_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE device_leases (
				device_id VARCHAR(64) PRIMARY KEY,
				job_id VARCHAR(64) NOT NULL,
				acquired_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_device_leases_job_id ON device_leases(job_id);

			CREATE TABLE campaigns (
				id VARCHAR(64) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				collection_id VARCHAR(64) NOT NULL,
				record_filter JSONB NOT NULL DEFAULT '{}',
				flows JSONB NOT NULL DEFAULT '[]',
				device_ids TEXT[] NOT NULL DEFAULT '{}',
				execution_mode VARCHAR(20) NOT NULL,
				device_strategy VARCHAR(20) NOT NULL,
				records_per_batch INT NOT NULL DEFAULT 1,
				max_retries INT NOT NULL DEFAULT 0,
				schedule VARCHAR(255) NOT NULL DEFAULT '',
				next_run_at TIMESTAMP WITH TIME ZONE,
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'completed')),
				pause_reason TEXT NOT NULL DEFAULT '',
				record_cursor BIGINT NOT NULL DEFAULT 0,
				device_cursor INT NOT NULL DEFAULT 0,
				total_records INT NOT NULL DEFAULT 0,
				records_processed INT NOT NULL DEFAULT 0,
				records_success INT NOT NULL DEFAULT 0,
				records_failed INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				activated_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				CHECK (records_processed <= total_records),
				CHECK (records_success + records_failed <= records_processed)
			);

			CREATE INDEX idx_campaigns_status ON campaigns(status);
			CREATE INDEX idx_campaigns_flows ON campaigns USING GIN (flows jsonb_path_ops);

			CREATE TABLE workflow_jobs (
				id VARCHAR(64) PRIMARY KEY,
				origin_kind VARCHAR(32) NOT NULL CHECK (origin_kind IN ('campaign', 'task_application')),
				origin_id VARCHAR(64) NOT NULL,
				device_id VARCHAR(64) NOT NULL,
				record_id VARCHAR(64) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL,
				retry_count INT NOT NULL DEFAULT 0,
				max_retries INT NOT NULL DEFAULT 0,
				config JSONB,
				result JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				admin_note TEXT NOT NULL DEFAULT '',
				total_tasks INT NOT NULL DEFAULT 0,
				completed_tasks INT NOT NULL DEFAULT 0,
				failed_tasks INT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				CHECK (completed_tasks + failed_tasks <= total_tasks)
			);

			CREATE INDEX idx_workflow_jobs_origin ON workflow_jobs(origin_kind, origin_id, status);
			CREATE INDEX idx_workflow_jobs_device ON workflow_jobs(device_id);

			CREATE TABLE job_workflow_items (
				id VARCHAR(64) PRIMARY KEY,
				job_id VARCHAR(64) NOT NULL REFERENCES workflow_jobs(id) ON DELETE CASCADE,
				flow_id VARCHAR(64) NOT NULL,
				sequence INT NOT NULL,
				iteration_strategy VARCHAR(20) NOT NULL,
				status VARCHAR(20) NOT NULL,
				total_tasks INT NOT NULL DEFAULT 0,
				completed_tasks INT NOT NULL DEFAULT 0,
				failed_tasks INT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (job_id, sequence)
			);

			CREATE TABLE job_tasks (
				id VARCHAR(64) PRIMARY KEY,
				job_id VARCHAR(64) NOT NULL REFERENCES workflow_jobs(id) ON DELETE CASCADE,
				item_id VARCHAR(64) NOT NULL REFERENCES job_workflow_items(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(255) NOT NULL DEFAULT '',
				iteration INT NOT NULL DEFAULT 1,
				sequence INT NOT NULL,
				status VARCHAR(20) NOT NULL,
				placeholder BOOLEAN NOT NULL DEFAULT false,
				input JSONB,
				output JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				duration_ms BIGINT NOT NULL DEFAULT 0,
				delay_before_ms BIGINT NOT NULL DEFAULT 0,
				contribution VARCHAR(10) NOT NULL DEFAULT '',
				queued_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (item_id, sequence)
			);

			CREATE INDEX idx_job_tasks_job_id ON job_tasks(job_id);
			CREATE INDEX idx_job_tasks_running ON job_tasks(status, started_at);
			CREATE INDEX idx_job_tasks_queued ON job_tasks(status, queued_at);

			CREATE TABLE market_tasks (
				id VARCHAR(64) PRIMARY KEY,
				creator_id VARCHAR(255) NOT NULL,
				flow_id VARCHAR(64) NOT NULL,
				title VARCHAR(255) NOT NULL,
				reward BIGINT NOT NULL DEFAULT 0,
				slots INT NOT NULL DEFAULT 1,
				payload JSONB,
				status VARCHAR(20) NOT NULL CHECK (status IN ('open', 'in_progress', 'completed')),
				accepted_count INT NOT NULL DEFAULT 0,
				completed_count INT NOT NULL DEFAULT 0,
				failed_count INT NOT NULL DEFAULT 0,
				version BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE task_applications (
				id VARCHAR(64) PRIMARY KEY,
				task_id VARCHAR(64) NOT NULL REFERENCES market_tasks(id) ON DELETE CASCADE,
				device_id VARCHAR(64) NOT NULL,
				applicant_id VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL,
				job_id VARCHAR(64) NOT NULL DEFAULT '',
				note TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_task_applications_task_device ON task_applications(task_id, device_id);
			CREATE INDEX idx_task_applications_job_id ON task_applications(job_id);

			CREATE TABLE job_logs (
				id VARCHAR(64) PRIMARY KEY,
				job_id VARCHAR(64) NOT NULL,
				subject_kind VARCHAR(20) NOT NULL,
				subject_id VARCHAR(64) NOT NULL,
				level VARCHAR(10) NOT NULL CHECK (level IN ('debug', 'info', 'warning', 'error')),
				message TEXT NOT NULL,
				context JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_job_logs_job_id ON job_logs(job_id, created_at);
		`,
	}
}
