package storage

var schema = []string{
	`CREATE TABLE IF NOT EXISTS detection_history (
		id VARCHAR(26) PRIMARY KEY,
		request_id VARCHAR(64),
		created_at TIMESTAMP NOT NULL,
		detection_mode VARCHAR(32) NOT NULL,
		total_detections INTEGER NOT NULL,
		detection_results TEXT,
		total_price DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_feedback (
		id VARCHAR(26) PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		feedback_type VARCHAR(32) NOT NULL,
		content TEXT,
		rating INTEGER,
		user_rating TEXT,
		detection_results TEXT
	)`,
}

const (
	queryInsertDetection = `
		INSERT INTO detection_history (
			id,
			request_id,
			created_at,
			detection_mode,
			total_detections,
			detection_results,
			total_price
		) VALUES (
			:id,
			:request_id,
			:created_at,
			:detection_mode,
			:total_detections,
			:detection_results,
			:total_price
		)
	`

	queryListDetections = `
		SELECT
			id,
			request_id,
			created_at,
			detection_mode,
			total_detections,
			detection_results,
			total_price
		FROM detection_history
		ORDER BY created_at DESC
		LIMIT :limit
	`

	queryInsertFeedback = `
		INSERT INTO user_feedback (
			id,
			created_at,
			feedback_type,
			content,
			rating,
			user_rating,
			detection_results
		) VALUES (
			:id,
			:created_at,
			:feedback_type,
			:content,
			:rating,
			:user_rating,
			:detection_results
		)
	`

	queryListFeedback = `
		SELECT
			id,
			created_at,
			feedback_type,
			content,
			user_rating,
			detection_results
		FROM user_feedback
		ORDER BY created_at DESC
		LIMIT :limit
	`

	queryDetectionStats = `
		SELECT
			COUNT(*) AS total_runs,
			COALESCE(SUM(total_detections), 0) AS total_objects,
			COALESCE(SUM(total_price), 0) AS total_value
		FROM detection_history
	`

	queryFeedbackStats = `
		SELECT
			COUNT(*) AS feedback_count,
			COALESCE(AVG(CASE WHEN rating > 0 THEN rating END), 0) AS average_rating
		FROM user_feedback
	`

	queryFeedbackTypes = `
		SELECT
			feedback_type,
			COUNT(*) AS total
		FROM user_feedback
		GROUP BY feedback_type
	`
)
