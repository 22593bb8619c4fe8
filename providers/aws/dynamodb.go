package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/remedy/providers"
)

// inspectTable reads a table's encryption and tags. Tables without an
// SSEDescription use the AWS owned key, which counts as not encrypted with
// a customer-visible KMS key.
func (a *Adapter) inspectTable(ctx context.Context, tableARN string) (providers.RawResource, error) {
	out, err := a.dynamodb.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableARN),
	})
	if err != nil {
		return providers.RawResource{}, classify("DescribeTable", tableARN, err)
	}
	table := out.Table
	if table == nil || table.TableStatus == ddbtypes.TableStatusDeleting {
		return providers.RawResource{}, providers.NotFound("DescribeTable", tableARN)
	}

	attrs := map[string]any{
		"table_status": string(table.TableStatus),
	}
	encrypted := false
	if sse := table.SSEDescription; sse != nil {
		attrs["sse_status"] = string(sse.Status)
		attrs["sse_type"] = string(sse.SSEType)
		if sse.KMSMasterKeyArn != nil {
			attrs["kms_key_id"] = aws.ToString(sse.KMSMasterKeyArn)
		}
		encrypted = sse.Status == ddbtypes.SSEStatusEnabled || sse.Status == ddbtypes.SSEStatusEnabling
	}

	tags, err := a.tableTags(ctx, tableARN)
	if err != nil {
		return providers.RawResource{}, err
	}

	region := ""
	if parsed, err := arn.Parse(tableARN); err == nil {
		region = parsed.Region
	}
	return providers.RawResource{
		ID:         tableARN,
		Region:     region,
		Tags:       tags,
		Encrypted:  aws.Bool(encrypted),
		Attributes: attrs,
	}, nil
}

func (a *Adapter) tableTags(ctx context.Context, tableARN string) (map[string]string, error) {
	tags := map[string]string{}
	var token *string
	for {
		out, err := a.dynamodb.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
			ResourceArn: aws.String(tableARN),
			NextToken:   token,
		})
		if err != nil {
			return nil, classify("ListTagsOfResource", tableARN, err)
		}
		for k, v := range tagMap(out.Tags) {
			tags[k] = v
		}
		if aws.ToString(out.NextToken) == "" {
			return tags, nil
		}
		token = out.NextToken
	}
}

func (a *Adapter) tagTable(ctx context.Context, tableARN string, tags map[string]string) error {
	ddbTags := make([]ddbtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		ddbTags = append(ddbTags, ddbtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	_, err := a.dynamodb.TagResource(ctx, &dynamodb.TagResourceInput{
		ResourceArn: aws.String(tableARN),
		Tags:        ddbTags,
	})
	return classify("TagResource", tableARN, err)
}

// encryptTable switches the table to SSE-KMS. An empty key selects the AWS
// managed key for DynamoDB.
func (a *Adapter) encryptTable(ctx context.Context, tableARN, keyARN string) error {
	spec := &ddbtypes.SSESpecification{
		Enabled: aws.Bool(true),
		SSEType: ddbtypes.SSETypeKms,
	}
	if keyARN != "" {
		spec.KMSMasterKeyId = aws.String(keyARN)
	}
	_, err := a.dynamodb.UpdateTable(ctx, &dynamodb.UpdateTableInput{
		TableName:        aws.String(tableARN),
		SSESpecification: spec,
	})
	return classify("UpdateTable", tableARN, err)
}
