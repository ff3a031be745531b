package event

// Event types known to hookrelay.
const (
	TypeAlertTriggered      = "alert_triggered"
	TypeReadingReceived     = "reading_received"
	TypeSensorCreated       = "sensor_created"
	TypeSensorStatusChanged = "sensor_status_changed"
)

// Handler validates payloads for one event type.
type Handler interface {
	// EventType is the tag this handler is registered under.
	EventType() string
	// Validate turns an untyped payload into a Record or reports why it cannot.
	Validate(payload any) (Record, error)
	// RequiresConditions reports whether subscriptions to this type must
	// carry at least one condition and are always filtered by them.
	RequiresConditions() bool
}

// SchemaHandler is a Handler backed by a Schema.
type SchemaHandler struct {
	Type        string
	Schema      Schema
	Conditional bool
}

// EventType implements Handler.
func (h *SchemaHandler) EventType() string { return h.Type }

// Validate implements Handler.
func (h *SchemaHandler) Validate(payload any) (Record, error) { return h.Schema.Validate(payload) }

// RequiresConditions implements Handler.
func (h *SchemaHandler) RequiresConditions() bool { return h.Conditional }

// Air-quality and climate metrics carried by readings and alerts.
var metricFields = []Field{
	{Name: "pm1_0", Kind: KindNumber},
	{Name: "pm2_5", Kind: KindNumber},
	{Name: "pm10", Kind: KindNumber},
	{Name: "co2", Kind: KindNumber},
	{Name: "voc", Kind: KindNumber},
	{Name: "temperature", Kind: KindNumber},
	{Name: "humidity", Kind: KindNumber},
	{Name: "pressure", Kind: KindNumber},
	{Name: "aqi", Kind: KindNumber},
}

func withMetrics(fields ...Field) []Field {
	return append(fields, metricFields...)
}

// Builtin returns handlers for every built-in event type.
func Builtin() []Handler {
	return []Handler{
		&SchemaHandler{
			Type:        TypeAlertTriggered,
			Conditional: true,
			Schema: Schema{Fields: withMetrics(
				Field{Name: "sensor_id", Kind: KindString, Required: true},
				Field{Name: "alert_id", Kind: KindString},
				Field{Name: "triggered_at", Kind: KindTime},
			)},
		},
		&SchemaHandler{
			Type:        TypeReadingReceived,
			Conditional: true,
			Schema: Schema{Fields: withMetrics(
				Field{Name: "sensor_id", Kind: KindString, Required: true},
				Field{Name: "recorded_at", Kind: KindTime},
			)},
		},
		&SchemaHandler{
			Type: TypeSensorCreated,
			Schema: Schema{Fields: []Field{
				{Name: "sensor_id", Kind: KindString, Required: true},
				{Name: "owner_id", Kind: KindString, Required: true},
				{Name: "name", Kind: KindString},
				{Name: "latitude", Kind: KindNumber},
				{Name: "longitude", Kind: KindNumber},
				{Name: "created_at", Kind: KindTime},
			}},
		},
		&SchemaHandler{
			Type: TypeSensorStatusChanged,
			Schema: Schema{Fields: []Field{
				{Name: "sensor_id", Kind: KindString, Required: true},
				{Name: "status", Kind: KindString, Required: true},
				{Name: "previous_status", Kind: KindString},
				{Name: "battery_level", Kind: KindNumber},
				{Name: "changed_at", Kind: KindTime},
			}},
		},
	}
}

// Types returns the tags of every built-in event type.
func Types() []string {
	hs := Builtin()
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.EventType()
	}
	return out
}
