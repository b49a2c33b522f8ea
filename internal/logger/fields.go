package logger

// Field keys shared by every component so log queries stay uniform.
const (
	KeyJobID     = "job_id"
	KeyPolicyID  = "policy_id"
	KeyLogID     = "execution_log_id"
	KeyTarget    = "target"
	KeyClientID  = "client_id"
	KeyCode      = "code"
	KeyAttempt   = "attempt"
	KeyComponent = "component"
)

// JobID creates the job identifier field.
func JobID(id string) Field { return String(KeyJobID, id) }

// PolicyID creates the schedule policy identifier field.
func PolicyID(id string) Field { return String(KeyPolicyID, id) }

// Target creates the acquisition target field.
func Target(target string) Field { return String(KeyTarget, target) }

// ClientID creates the requesting client field.
func ClientID(id string) Field { return String(KeyClientID, id) }

// Code creates the machine-readable failure code field.
func Code(code string) Field { return String(KeyCode, code) }

// Attempt creates the attempt number field.
func Attempt(n int) Field { return Int(KeyAttempt, n) }

// Component creates the component name field.
func Component(name string) Field { return String(KeyComponent, name) }
