package document

// Params carries rendering options through encoders.
type Params map[string]string

// EmptyParams renders with all defaults.
var EmptyParams = Params{}

const (
	// ParamDateFormat selects how timestamps are written.
	ParamDateFormat = "date_format"

	DateFormatISO         = "iso"
	DateFormatEpochMillis = "epoch_millis"
)

// Param returns the value for key, or def when unset. A nil Params is valid.
func (p Params) Param(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}
