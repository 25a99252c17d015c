package recordstore

// Record is one row in a record sheet.
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// RecordUpdate patches the named fields of an existing record.
type RecordUpdate struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// UserDetail is a directory user with departments resolved to names.
type UserDetail struct {
	UserID   string       `json:"userid"`
	UnionID  string       `json:"unionid"`
	Name     string       `json:"name"`
	Mobile   string       `json:"mobile,omitempty"`
	Email    string       `json:"email,omitempty"`
	Title    string       `json:"title,omitempty"`
	Active   bool         `json:"active"`
	DeptList []Department `json:"dept_list"`
}

// Department is one resolved department reference.
type Department struct {
	DeptID int64  `json:"dept_id"`
	Name   string `json:"name"`
}

// FailedDelivery is one push notification the platform could not deliver.
// The payload is a single-entry map of event type to event data.
type FailedDelivery struct {
	EventType string
	Data      map[string]interface{}
}
