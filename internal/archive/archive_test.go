package archive_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/guardvault/internal/archive"
	"github.com/ashita-ai/guardvault/internal/model"
	"github.com/ashita-ai/guardvault/internal/testutil"
	"github.com/ashita-ai/guardvault/internal/vault"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func batch(id vault.VaultID) []model.RecordedEvent {
	return []model.RecordedEvent{
		{VaultID: id, Seq: 7, Hash: "h7", PrevHash: "h6", Event: vault.Event{Type: vault.EventDeposited, VaultID: id, Amount: 5}},
		{VaultID: id, Seq: 8, Hash: "h8", PrevHash: "h7", Event: vault.Event{Type: vault.EventVaultPaused, VaultID: id}},
	}
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t,
		"audit/vaults/6ba7b810-9dad-11d1-80b4-00c04fd430c8/00000000000000000001-00000000000000000012.ndjson",
		archive.Key("audit/", id, 1, 12))
}

func TestArchive(t *testing.T) {
	fake := &fakeS3{}
	a := archive.New(fake, "bucket", "audit", testutil.TestLogger())
	id := uuid.New()

	key, err := a.Archive(context.Background(), id, batch(id))
	require.NoError(t, err)
	assert.Equal(t, archive.Key("audit/", id, 7, 8), key)

	require.Len(t, fake.inputs, 1)
	in := fake.inputs[0]
	assert.Equal(t, "bucket", aws.ToString(in.Bucket))
	assert.Equal(t, key, aws.ToString(in.Key))
	assert.Equal(t, "h8", in.Metadata["last-hash"])

	sc := bufio.NewScanner(bytes.NewReader(fake.bodies[0]))
	var seqs []int64
	for sc.Scan() {
		var re model.RecordedEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &re))
		seqs = append(seqs, re.Seq)
	}
	assert.Equal(t, []int64{7, 8}, seqs)
}

func TestArchive_Errors(t *testing.T) {
	boom := errors.New("access denied")
	a := archive.New(&fakeS3{err: boom}, "bucket", "", testutil.TestLogger())
	id := uuid.New()

	_, err := a.Archive(context.Background(), id, batch(id))
	assert.ErrorIs(t, err, boom)

	_, err = a.Archive(context.Background(), id, nil)
	assert.Error(t, err)
}
