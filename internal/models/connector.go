package models

// ConnectorConfig is the replicated configuration of one connector
type ConnectorConfig struct {
	Properties map[string]string `json:"properties"`
	TaskCount  int               `json:"task_count"`
	UpdatedAt  int64             `json:"updated_at"` // unix millis, informational only
	Deleted    bool              `json:"deleted,omitempty"`
}
