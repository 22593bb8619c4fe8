package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yairfalse/remedy/types"
)

// TrailRecord is the part of a CloudTrail record remedy reads. It is the
// CloudTrailEvent JSON of a LookupEvents result and the detail of an
// EventBridge "AWS API Call via CloudTrail" event.
type TrailRecord struct {
	EventID           string         `json:"eventID"`
	EventName         string         `json:"eventName"`
	EventSource       string         `json:"eventSource"`
	EventTime         time.Time      `json:"eventTime"`
	AWSRegion         string         `json:"awsRegion"`
	ErrorCode         string         `json:"errorCode,omitempty"`
	RequestParameters map[string]any `json:"requestParameters"`
	ResponseElements  map[string]any `json:"responseElements"`
}

type trigger struct {
	resourceType types.ResourceType
	ids          func(r TrailRecord) []string
}

func requestField(path ...string) func(TrailRecord) []string {
	return func(r TrailRecord) []string {
		return nonEmpty(stringAt(r.RequestParameters, path...))
	}
}

func responseField(path ...string) func(TrailRecord) []string {
	return func(r TrailRecord) []string {
		return nonEmpty(stringAt(r.ResponseElements, path...))
	}
}

// triggers maps eventSource/eventName to the resource it changed
var triggers = map[string]trigger{
	"s3.amazonaws.com/CreateBucket":               {types.ResourceBucket, requestField("bucketName")},
	"s3.amazonaws.com/PutBucketPolicy":            {types.ResourceBucket, requestField("bucketName")},
	"s3.amazonaws.com/PutBucketAcl":               {types.ResourceBucket, requestField("bucketName")},
	"s3.amazonaws.com/PutBucketTagging":           {types.ResourceBucket, requestField("bucketName")},
	"s3.amazonaws.com/DeleteBucketTagging":        {types.ResourceBucket, requestField("bucketName")},
	"s3.amazonaws.com/PutBucketEncryption":        {types.ResourceBucket, requestField("bucketName")},
	"s3.amazonaws.com/DeleteBucketEncryption":     {types.ResourceBucket, requestField("bucketName")},

	"s3.amazonaws.com/DeleteBucketPublicAccessBlock": {types.ResourceBucket, requestField("bucketName")},

	"ec2.amazonaws.com/CreateVolume": {types.ResourceEncryptable, responseField("volumeId")},
	"ec2.amazonaws.com/RunInstances": {types.ResourceTagged, itemsAt("responseElements", "instancesSet", "instanceId")},
	"ec2.amazonaws.com/CreateTags":   {types.ResourceTagged, itemsAt("requestParameters", "resourcesSet", "resourceId")},
	"ec2.amazonaws.com/DeleteTags":   {types.ResourceTagged, itemsAt("requestParameters", "resourcesSet", "resourceId")},

	"sqs.amazonaws.com/CreateQueue":        {types.ResourceEncryptable, responseField("queueUrl")},
	"sqs.amazonaws.com/SetQueueAttributes": {types.ResourceEncryptable, requestField("queueUrl")},

	"dynamodb.amazonaws.com/CreateTable": {types.ResourceEncryptable, responseField("tableDescription", "tableArn")},
	"dynamodb.amazonaws.com/UpdateTable": {types.ResourceEncryptable, responseField("tableDescription", "tableArn")},
}

// Watched reports whether an API call can leave a resource non-compliant
func Watched(eventSource, eventName string) bool {
	_, ok := triggers[eventSource+"/"+eventName]
	return ok
}

// Translate turns a CloudTrail record into change events, one per resource
// the call touched. Failed calls and unwatched calls yield nothing.
func Translate(r TrailRecord) []types.ChangeEvent {
	if r.ErrorCode != "" {
		return nil
	}
	t, ok := triggers[r.EventSource+"/"+r.EventName]
	if !ok {
		return nil
	}

	ids := t.ids(r)
	events := make([]types.ChangeEvent, 0, len(ids))
	for i, id := range ids {
		eventID := r.EventID
		if len(ids) > 1 {
			eventID = fmt.Sprintf("%s#%d", r.EventID, i)
		}
		events = append(events, types.ChangeEvent{
			EventID:        eventID,
			ResourceID:     id,
			ResourceType:   t.resourceType,
			EventTimestamp: r.EventTime,
			Region:         r.AWSRegion,
			Source:         "cloudtrail:" + r.EventName,
		})
	}
	return events
}

// ParseTrailRecord decodes the CloudTrailEvent JSON of a LookupEvents result
func ParseTrailRecord(data string) (TrailRecord, error) {
	var r TrailRecord
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return TrailRecord{}, fmt.Errorf("failed to decode cloudtrail record: %w", err)
	}
	return r, nil
}

func stringAt(m map[string]any, path ...string) string {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[key]
	}
	s, _ := cur.(string)
	return s
}

// itemsAt reads {"<set>": {"items": [{"<field>": "..."}]}} below a record section
func itemsAt(section, set, field string) func(TrailRecord) []string {
	return func(r TrailRecord) []string {
		m := r.RequestParameters
		if section == "responseElements" {
			m = r.ResponseElements
		}
		setObj, ok := m[set].(map[string]any)
		if !ok {
			return nil
		}
		items, ok := setObj["items"].([]any)
		if !ok {
			return nil
		}

		var ids []string
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if id, ok := obj[field].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		return ids
	}
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
