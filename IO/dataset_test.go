package IO

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/mingfeima/pssp/params"
)

func writeTSV(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pairs.tsv")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPreprocessAndDatasetRoundTrip(t *testing.T) {
	train, err := ReadPairs(writeTSV(t, "MKV\tCHH", "", "MMA\tEEC"))
	if err != nil {
		t.Fatalf("ReadPairs: %v", err)
	}
	valid, err := ReadPairs(writeTSV(t, "MW\tCE"))
	if err != nil {
		t.Fatalf("ReadPairs: %v", err)
	}
	d := Preprocess(train, valid)

	if d.Dict.Src[params.PADWord] != params.PAD || d.Dict.Tgt[params.EOSWord] != params.EOS {
		t.Fatalf("special tokens moved: %v", d.Dict.Src)
	}
	// M is the most frequent residue, so it takes the first free id
	if d.Dict.Src["M"] != 4 {
		t.Fatalf("id of M = %d, want 4", d.Dict.Src["M"])
	}
	if d.Settings.MaxTokenSeqLen != 5 {
		t.Fatalf("MaxTokenSeqLen = %d, want 5", d.Settings.MaxTokenSeqLen)
	}
	// W never appears in training
	if got := d.Valid.Src[0]; !slices.Equal(got, []int{params.BOS, 4, params.UNK, params.EOS}) {
		t.Fatalf("valid src = %v", got)
	}

	path := filepath.Join(t.TempDir(), "data", "dataset.gob")
	if err := d.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := LoadDataset(path)
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	insts, err := back.Train.Instances()
	if err != nil || len(insts) != 2 {
		t.Fatalf("Instances = %d, %v", len(insts), err)
	}
	if !slices.Equal(insts[1].Tgt, d.Train.Tgt[1]) {
		t.Fatalf("round trip changed targets")
	}
}

func TestReadPairsRejectsRaggedLine(t *testing.T) {
	if _, err := ReadPairs(writeTSV(t, "MKV\tCH")); err == nil {
		t.Fatalf("ragged line accepted")
	}
	if _, err := ReadPairs(writeTSV(t, "MKV CHH")); err == nil {
		t.Fatalf("line without tab accepted")
	}
	if _, err := (Split{Src: [][]int{{2, 3}}}).Instances(); err == nil {
		t.Fatalf("unpaired split accepted")
	}
}

func TestReadPairsNamesThePath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.tsv")
	_, err := ReadPairs(missing)
	if !errors.Is(err, fs.ErrNotExist) || !strings.Contains(err.Error(), missing) {
		t.Fatalf("open error = %v", err)
	}
	dir := t.TempDir()
	if _, err := ReadPairs(dir); err == nil || !strings.Contains(err.Error(), "read "+dir) {
		t.Fatalf("read error = %v", err)
	}
}

var rows = [][4]float64{{1.5, 0.4, 1.2, 0.5}, {1.1, 0.6, 1.0, 0.62}}

func TestJSONHistoryStore(t *testing.T) {
	s := JSONHistoryStore{Path: filepath.Join(t.TempDir(), "history.json")}
	if err := s.SaveHistory(context.Background(), rows); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	raw, _ := os.ReadFile(s.Path)
	if !bytes.HasPrefix(raw, []byte(`{"history":[[1.5,0.4,1.2,0.5]`)) {
		t.Fatalf("unexpected layout: %s", raw)
	}
	got, err := s.LoadHistory()
	if err != nil || !slices.Equal(got, rows) {
		t.Fatalf("LoadHistory = %v, %v", got, err)
	}
}

func TestSQLiteHistoryStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLiteHistory(filepath.Join(t.TempDir(), "history.db"), `{"epoch":2}`)
	if err != nil {
		t.Fatalf("OpenSQLiteHistory: %v", err)
	}
	defer s.Close()
	if err := s.SaveHistory(ctx, rows[:1]); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.SaveHistory(ctx, rows); err != nil {
		t.Fatalf("second run: %v", err)
	}
	got, err := s.LatestRun(ctx)
	if err != nil || !slices.Equal(got, rows) {
		t.Fatalf("LatestRun = %v, %v", got, err)
	}
}

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3Mirror(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	m := &S3Mirror{Client: fake, Bucket: "runs", Prefix: "pssp/run1"}
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "model.chkpt")
	os.WriteFile(file, []byte("weights"), 0o644)
	if err := m.UploadFile(ctx, file); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if err := m.SaveHistory(ctx, rows); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}
	if string(fake.objects["runs/pssp/run1/model.chkpt"]) != "weights" {
		t.Fatalf("checkpoint not mirrored: %v", fake.objects)
	}
	if !bytes.Contains(fake.objects["runs/pssp/run1/history.json"], []byte(`"history"`)) {
		t.Fatalf("history not mirrored")
	}
}
