package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/remedy/providers"
)

// inspectVolume reads an EBS volume's encryption flag and tags
func (a *Adapter) inspectVolume(ctx context.Context, volumeID string) (providers.RawResource, error) {
	out, err := a.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		return providers.RawResource{}, classify("DescribeVolumes", volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return providers.RawResource{}, providers.NotFound("DescribeVolumes", volumeID)
	}

	vol := out.Volumes[0]
	if vol.State == ec2types.VolumeStateDeleting || vol.State == ec2types.VolumeStateDeleted {
		return providers.RawResource{}, providers.NotFound("DescribeVolumes", volumeID)
	}

	attrs := map[string]any{
		"state":       string(vol.State),
		"volume_type": string(vol.VolumeType),
		"size_gib":    aws.ToInt32(vol.Size),
	}
	if vol.KmsKeyId != nil {
		attrs["kms_key_id"] = aws.ToString(vol.KmsKeyId)
	}
	if len(vol.Attachments) > 0 {
		attrs["instance_id"] = aws.ToString(vol.Attachments[0].InstanceId)
	}

	return providers.RawResource{
		ID:         volumeID,
		Region:     regionOfZone(aws.ToString(vol.AvailabilityZone)),
		Tags:       tagMap(vol.Tags),
		Encrypted:  aws.Bool(aws.ToBool(vol.Encrypted)),
		Attributes: attrs,
	}, nil
}

// inspectEC2 reads the tags of any other EC2 resource. Instances are
// described directly so that terminated ones read as gone.
func (a *Adapter) inspectEC2(ctx context.Context, id string) (providers.RawResource, error) {
	if len(id) > 2 && id[:2] == "i-" {
		return a.inspectInstance(ctx, id)
	}

	out, err := a.ec2.DescribeTags(ctx, &ec2.DescribeTagsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("resource-id"), Values: []string{id}},
		},
	})
	if err != nil {
		return providers.RawResource{}, classify("DescribeTags", id, err)
	}

	tags := map[string]string{}
	for _, td := range out.Tags {
		tags[aws.ToString(td.Key)] = aws.ToString(td.Value)
	}
	return providers.RawResource{ID: id, Tags: tags}, nil
}

func (a *Adapter) inspectInstance(ctx context.Context, instanceID string) (providers.RawResource, error) {
	out, err := a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return providers.RawResource{}, classify("DescribeInstances", instanceID, err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) != instanceID {
				continue
			}
			state := ""
			if instance.State != nil {
				state = string(instance.State.Name)
			}
			if state == string(ec2types.InstanceStateNameTerminated) || state == string(ec2types.InstanceStateNameShuttingDown) {
				return providers.RawResource{}, providers.NotFound("DescribeInstances", instanceID)
			}

			region := ""
			if instance.Placement != nil {
				region = regionOfZone(aws.ToString(instance.Placement.AvailabilityZone))
			}
			return providers.RawResource{
				ID:     instanceID,
				Region: region,
				Tags:   tagMap(instance.Tags),
				Attributes: map[string]any{
					"state":         state,
					"instance_type": string(instance.InstanceType),
				},
			}, nil
		}
	}
	return providers.RawResource{}, providers.NotFound("DescribeInstances", instanceID)
}

// tagEC2 adds tags with CreateTags, which leaves other keys alone
func (a *Adapter) tagEC2(ctx context.Context, id string, tags map[string]string) error {
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	_, err := a.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      ec2Tags,
	})
	return classify("CreateTags", id, err)
}

// regionOfZone strips the zone letter: us-east-1a -> us-east-1
func regionOfZone(zone string) string {
	if len(zone) < 2 {
		return ""
	}
	last := zone[len(zone)-1]
	if last >= 'a' && last <= 'z' {
		return zone[:len(zone)-1]
	}
	return zone
}
