package xmpp

// Data form types and field types (XEP-0004) used by the gateway.
const (
	FormTypeSubmit = "submit"
	FormTypeResult = "result"

	FieldTypeHidden     = "hidden"
	FieldTypeTextSingle = "text-single"
	FieldTypeListMulti  = "list-multi"

	// FieldFormType is the var of the hidden field naming a form's schema.
	FieldFormType = "FORM_TYPE"
)

type Field struct {
	Var    string
	Type   string
	Values []string
}

// Value returns the first value, or "" when there is none.
func (f Field) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

// IsSingleText reports whether the field carries a single text value. Fields
// without an explicit type default to text-single.
func (f Field) IsSingleText() bool {
	return (f.Type == "" || f.Type == FieldTypeTextSingle) && len(f.Values) > 0
}

// Item is a row of fields in a result form.
type Item struct {
	Fields []Field
}

type Form struct {
	Type   string
	Fields []Field
	Items  []Item
}

// NewForm creates an empty form of the given type.
func NewForm(formType string) *Form {
	return &Form{Type: formType}
}

// Field looks up a field by var.
func (f *Form) Field(name string) (Field, bool) {
	if f == nil {
		return Field{}, false
	}
	for _, field := range f.Fields {
		if field.Var == name {
			return field, true
		}
	}
	return Field{}, false
}

// Value returns the first value of the named field, or "".
func (f *Form) Value(name string) string {
	field, _ := f.Field(name)
	return field.Value()
}

// Add appends a field and returns the form for chaining.
func (f *Form) Add(name, fieldType string, values ...string) *Form {
	f.Fields = append(f.Fields, Field{Var: name, Type: fieldType, Values: values})
	return f
}

// SingleTextValues collects every single-valued text field into a map.
// Published push notifications carry their summary this way.
func (f *Form) SingleTextValues() map[string]string {
	out := make(map[string]string)
	if f == nil {
		return out
	}
	for _, field := range f.Fields {
		if field.Var == "" || !field.IsSingleText() {
			continue
		}
		out[field.Var] = field.Values[0]
	}
	return out
}
