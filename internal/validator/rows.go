package validator

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/duckmesh/sqlagent/internal/warehouse"
)

// DateLayout is the only rendering of date and time values in results.
const DateLayout = "2006-01-02"

type Field struct {
	Name  string
	Value any
}

// Row keeps the column order of the result set, including in JSON.
type Row []Field

func (r Row) Get(name string) (any, bool) {
	for _, field := range r {
		if field.Name == name {
			return field.Value, true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, field := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(field.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(field.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return err
	}
	var row Row
	for dec.More() {
		token, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := token.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		row = append(row, Field{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = row
	return nil
}

func shapeRows(rows warehouse.Rows, limit int) []Row {
	values := rows.Values
	if len(values) > limit {
		values = values[:limit]
	}
	out := make([]Row, len(values))
	for i, raw := range values {
		row := make(Row, len(rows.Columns))
		for j, column := range rows.Columns {
			var value any
			if j < len(raw) {
				value = normalizeValue(raw[j])
			}
			row[j] = Field{Name: column.Name, Value: value}
		}
		out[i] = row
	}
	return out
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case time.Time:
		return typed.Format(DateLayout)
	case *time.Time:
		if typed == nil {
			return nil
		}
		return typed.Format(DateLayout)
	case []byte:
		return string(typed)
	default:
		return value
	}
}
