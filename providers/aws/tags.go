package aws

import (
	"reflect"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// tagMap converts any AWS tag representation into a plain map: slices of
// Key/Value structs (S3, EC2, DynamoDB, EC2 TagDescription) and string maps
// (SQS). The result is never nil, so an untagged resource reports an empty
// tag set rather than an unknown one.
func tagMap(tags any) map[string]string {
	result := map[string]string{}
	if tags == nil {
		return result
	}

	v := reflect.ValueOf(tags)
	switch v.Kind() {
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			key, value := extractTagKeyValue(v.Index(i).Interface())
			if key != "" {
				result[key] = value
			}
		}

	case reflect.Map:
		for _, mapKey := range v.MapKeys() {
			result[mapKey.String()] = extractStringValue(v.MapIndex(mapKey).Interface())
		}
	}
	return result
}

// extractTagKeyValue extracts Key and Value fields from any AWS tag struct
func extractTagKeyValue(tag any) (string, string) {
	v := reflect.ValueOf(tag)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", ""
	}

	var key, value string
	if keyField := v.FieldByName("Key"); keyField.IsValid() {
		key = extractStringValue(keyField.Interface())
	}
	if valueField := v.FieldByName("Value"); valueField.IsValid() {
		value = extractStringValue(valueField.Interface())
	}
	return key, value
}

// extractStringValue handles *string and string types
func extractStringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case *string:
		return aws.ToString(val)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.String {
			return rv.String()
		}
		return ""
	}
}

// sortedKeys returns the keys of tags in order, so SDK requests are stable
func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
