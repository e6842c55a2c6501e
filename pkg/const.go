package pkg

const HeaderTraceId string = "X-Trace-Id"

const (
	TraceId   string = "trace_id"
	Principal string = "principal"
)

// Collection names in the durable store.
const (
	CollectionAccounts     string = "users"
	CollectionTransactions string = "transactions"
	CollectionRequests     string = "moneyRequests"
)

type TransactionKind string

const (
	TransactionSent      TransactionKind = "Sent"
	TransactionBillSplit TransactionKind = "Bill Split"
)

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "Pending"
	RequestStatusPaid     RequestStatus = "Paid"
	RequestStatusDeclined RequestStatus = "Declined"
)

// OpeningBalance is credited to every account on first sign-in.
const OpeningBalance = 1000
