package rts

// Wire shapes of the ticketing REST API. Only the fields read or written by
// this package are declared.

type info struct {
	LastUpdated string `json:"lastUpdated"`
	MemberHref  string `json:"member_href"`
}

type ref struct {
	ID   int    `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Info *info  `json:"_info,omitempty"`
}

type ticket struct {
	ID      int    `json:"id"`
	Summary string `json:"summary"`
	Status  *ref   `json:"status"`
	Owner   *ref   `json:"owner"`
	Info    info   `json:"_info"`
}

type note struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	Info info   `json:"_info"`
}

type auditRecord struct {
	Text         string `json:"text"`
	EnteredBy    string `json:"enteredBy"`
	EnteredDate  string `json:"enteredDate"`
	AuditType    string `json:"auditType"`
	AuditSubType string `json:"auditSubType"`
	AuditSource  string `json:"auditSource"`
}

type company struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	DeletedFlag bool   `json:"deletedFlag"`
}

type board struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type member struct {
	ID           int    `json:"id"`
	PrimaryEmail string `json:"primaryEmail"`
}

type systemInfo struct {
	Version string `json:"version"`
}

type companyInfo struct {
	Codebase string `json:"Codebase"`
}

type createTicketRequest struct {
	Summary  string `json:"summary"`
	Company  ref    `json:"company"`
	Board    ref    `json:"board"`
	Priority *ref   `json:"priority,omitempty"`
	Status   *ref   `json:"status,omitempty"`
}

type createNoteRequest struct {
	Text                  string `json:"text"`
	TicketID              int    `json:"ticketId"`
	InternalFlag          bool   `json:"internalFlag"`
	ExternalFlag          bool   `json:"externalFlag"`
	DetailDescriptionFlag bool   `json:"detailDescriptionFlag"`
	InternalAnalysisFlag  bool   `json:"internalAnalysisFlag"`
	ResolutionFlag        bool   `json:"resolutionFlag"`
}

type created struct {
	ID int `json:"id"`
}
