package model

// Log levels captured from console.*
const (
	LogLevelLog   = "log"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ScriptLog struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorDetail locates a script error in the source when the engine reports it.
type ErrorDetail struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

type TestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// ScriptExecutionResult is the effects report of one script run.
type ScriptExecutionResult struct {
	Success         bool              `json:"success"`
	Logs            []ScriptLog       `json:"logs"`
	Errors          []string          `json:"errors"`
	ErrorDetails    []ErrorDetail     `json:"errorDetails,omitempty"`
	TestResults     []TestResult      `json:"testResults"`
	EnvChanges      EnvChanges        `json:"envChanges"`
	VariableChanges map[string]string `json:"variableChanges"`
	DurationMs      int64             `json:"durationMs"`
}

// NewScriptExecutionResult returns a successful, empty result.
func NewScriptExecutionResult() *ScriptExecutionResult {
	return &ScriptExecutionResult{
		Success:         true,
		Logs:            []ScriptLog{},
		Errors:          []string{},
		TestResults:     []TestResult{},
		EnvChanges:      NewEnvChanges(),
		VariableChanges: make(map[string]string),
	}
}
