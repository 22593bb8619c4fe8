package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/remedy/types"
)

type stubInspector struct {
	raw RawResource
	err error
	got ResourceRef
}

func (s *stubInspector) GetResource(ctx context.Context, ref ResourceRef) (RawResource, error) {
	s.got = ref
	return s.raw, s.err
}

func (s *stubInspector) GetBucketPolicy(ctx context.Context, bucket string) (string, error) {
	return "", nil
}

func testEvent() types.ChangeEvent {
	return types.ChangeEvent{
		EventID:        "evt-1",
		ResourceID:     "bucket-42",
		ResourceType:   types.ResourceBucket,
		EventTimestamp: time.Now(),
		Region:         "us-east-1",
	}
}

func TestBuildDescriptor(t *testing.T) {
	in := &stubInspector{raw: RawResource{
		Tags:   map[string]string{"env": "prod"},
		Public: types.Bool(true),
	}}

	d, err := BuildDescriptor(context.Background(), testEvent(), in)
	require.NoError(t, err)

	assert.Equal(t, "bucket-42", in.got.ID)
	assert.Equal(t, types.ResourceBucket, in.got.Type)
	assert.Equal(t, "bucket-42", d.ResourceID)
	assert.Equal(t, "us-east-1", d.Region)
	assert.True(t, d.IsPublic())
	assert.Nil(t, d.EncryptionEnabled)

	v, ok := d.Tag("env")
	assert.True(t, ok)
	assert.Equal(t, "prod", v)
}

func TestBuildDescriptor_PassesErrorsThrough(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NotFound("get", "bucket-42"), IsNotFound},
		{"transient", Transient("get", errors.New("timeout")), IsTransient},
		{"permanent", Permanent("get", errors.New("denied")), IsPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDescriptor(context.Background(), testEvent(), &stubInspector{err: tt.err})
			require.Error(t, err)
			assert.True(t, tt.check(err))
		})
	}
}

func TestDescriptorFromRaw_InvalidTypeIsPermanent(t *testing.T) {
	e := testEvent()
	e.ResourceType = ""

	_, err := DescriptorFromRaw(e, RawResource{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestErrorClassification(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(NotFound("get", "x")))
	assert.True(t, IsPermanent(errors.New("unclassified")))
	assert.False(t, IsTransient(errors.New("unclassified")))
	assert.Nil(t, Transient("op", nil))
	assert.Nil(t, Permanent("op", nil))

	wrapped := Transient("put", context.DeadlineExceeded)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Contains(t, wrapped.Error(), "put: transient")
}

type nopCloud struct{ stubInspector }

func (nopCloud) AddTags(context.Context, ResourceRef, map[string]string) error { return nil }
func (nopCloud) EnableEncryption(context.Context, ResourceRef, string) error { return nil }
func (nopCloud) PutBucketPolicy(context.Context, string, string) error { return nil }
func (nopCloud) DeleteBucketPolicy(context.Context, string) error { return nil }
func (nopCloud) Name() string { return "nop" }

func TestRegistry(t *testing.T) {
	Register("test-nop", func(ctx context.Context, cfg Config) (CloudAPI, error) {
		return &nopCloud{}, nil
	})

	api, err := New(context.Background(), "test-nop", Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "nop", api.Name())
	assert.Contains(t, Names(), "test-nop")

	_, err = New(context.Background(), "does-not-exist", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
