package model

// AuditLog 是一条操作留痕记录。
// ChainHash 由上一条记录的 ChainHash 与本条关键字段共同派生，
// 形成可校验的哈希链：任何一条被篡改都会导致后续校验失败。
type AuditLog struct {
	EventID       string `json:"event_id"`
	DeviceKey     string `json:"device_key,omitempty"`
	EventType     string `json:"event_type"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	Actor         string `json:"actor,omitempty"`
	Source        string `json:"source,omitempty"`
	DetailJSON    string `json:"detail_json"`
	OccurredAt    int64  `json:"occurred_at"`
	ChainPrevHash string `json:"chain_prev_hash,omitempty"`
	ChainHash     string `json:"chain_hash"`
}
