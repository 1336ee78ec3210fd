package config

import "fmt"

// FieldError 描述配置中某个字段不合法的原因，Value 记录用户给出的原值。
type FieldError struct {
	Field  string
	Reason string
	Value  any
}

func (e FieldError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// cacheFieldError 用于 [Cache] 段的几何参数，错误信息带上原值方便对照配置文件。
func cacheFieldError(field string, value any, reason string) error {
	return FieldError{Field: "Cache." + field, Reason: reason, Value: value}
}

// hubField 拼出 Hub[name].Field 形式的字段路径。
func hubField(name, field string) string {
	if name == "" {
		return fmt.Sprintf("Hub[].%s", field)
	}
	return fmt.Sprintf("Hub[%s].%s", name, field)
}
