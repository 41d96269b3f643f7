package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"

	"github.com/vshulcz/bamstats/internal/adapters/broker/remote"
	"github.com/vshulcz/bamstats/internal/config"
	"github.com/vshulcz/bamstats/internal/domain"
	"github.com/vshulcz/bamstats/internal/services/delivery"
)

var cliEnv = []string{
	"BAM_URL", "BAM_INDEX_URL", "REGION_URL", "BROKER_URL", "OUTPUT_DIR", "NO_FILE", "WEBHOOK_URL",
	"JOURNAL_FILE", "CLICKHOUSE_ADDR", "SCORE_API_URL", "ELASTIC_URL", "DATABASE_DSN", "INDEX_NAME",
	"METRICS_FIELD", "BAMSTATS_CONFIG", "LOG_LEVEL", "SESSION_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range cliEnv {
		t.Setenv(k, "")
	}
}

const streamBody = `{"event":"start"}
{"event":"data","data":{"total_reads":50,"mapped_reads":40}}
{"event":"data","data":{"total_reads":100,"mapped_reads":90,"coverage_hist":{"0":0.5,"10":0.5}}}
{"event":"end"}
`

func newBrokerServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != remote.StatsPath || r.URL.Query().Get("url") == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, streamBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func execute(t *testing.T, p prompter, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	var out, errOut bytes.Buffer
	root := newRootCmd(p)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String() + errOut.String(), err
}

func TestKeysCommand(t *testing.T) {
	out, err := execute(t, nil, "keys")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"KEY", "mapped_reads", "Mapped Reads", "coverage_hist", "histogram"} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, nil, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Build version: N/A") {
		t.Fatalf("out=%q", out)
	}
}

func TestRunCommand_RemoteBroker(t *testing.T) {
	clearEnv(t)
	broker := newBrokerServer(t)
	dir := t.TempDir()

	out, err := execute(t, nil, "run",
		"--url", "https://data.example.org/reads/sample.bam",
		"--broker-url", broker.URL,
		"--out", dir,
		"--log-level", "error",
	)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"Mapped Reads", "90.00%", "Mean Read Coverage", "file", "ok"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary misses %q:\n%s", want, out)
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "sample.*.bamstats.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("metrics file not written: %v %v", files, err)
	}
}

func TestRunCommand_MissingURL(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, nil, "run", "--no-file")
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("want configuration error, got %v", err)
	}
}

func TestRunCommand_Help(t *testing.T) {
	clearEnv(t)
	out, err := execute(t, nil, "run", "--help")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "--broker-url") {
		t.Fatalf("help output:\n%s", out)
	}
}

type fakePrompter struct {
	inputs   []string
	confirm  bool
	messages []string
}

func (f *fakePrompter) Input(message, _ string, _ bool) (string, error) {
	f.messages = append(f.messages, message)
	if len(f.inputs) == 0 {
		return "", errors.New("no input")
	}
	v := f.inputs[0]
	f.inputs = f.inputs[1:]
	return v, nil
}

func (f *fakePrompter) Confirm(message string, _ bool) (bool, error) {
	f.messages = append(f.messages, message)
	return f.confirm, nil
}

func TestCompleteRunConfig(t *testing.T) {
	p := &fakePrompter{inputs: []string{"https://x/a.bam", "https://x/a.bam.bai"}, confirm: false}
	cfg := config.RunConfig{Sinks: config.SinkConfig{OutDir: "."}}
	if err := completeRunConfig(&cfg, p); err != nil {
		t.Fatal(err)
	}
	if cfg.URL != "https://x/a.bam" || cfg.IndexURL != "https://x/a.bam.bai" || !cfg.Sinks.NoFile {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(p.messages) != 3 {
		t.Fatalf("prompts=%v", p.messages)
	}

	p = &fakePrompter{}
	cfg = config.RunConfig{URL: "given.bam"}
	if err := completeRunConfig(&cfg, p); err != nil || len(p.messages) != 0 {
		t.Fatalf("must not prompt when the url is given: %v %v", err, p.messages)
	}
}

func TestIndexCommand(t *testing.T) {
	clearEnv(t)
	broker := newBrokerServer(t)

	score := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/download/obj1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"objectId":"obj1","parts":[{"url":"https://bucket.example.org/obj1.bam"}]}`)
	}))
	defer score.Close()

	var (
		mu      sync.Mutex
		updated map[string]map[string]float64
	)
	es := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/files/_doc/doc1":
			_, _ = io.WriteString(w, `{"_id":"doc1","found":true,"_source":{"object_id":"obj1","file_type":"BAM","file":{"name":"a.bam","size":10}}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/files/_doc/doc2":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"_id":"doc2","found":false}`)
		case r.Method == http.MethodGet && r.URL.Path == "/files/_mapping":
			_, _ = io.WriteString(w, `{"files":{"mappings":{"properties":{}}}}`)
		case r.Method == http.MethodPut && r.URL.Path == "/files/_mapping":
			_, _ = io.WriteString(w, `{"acknowledged":true}`)
		case r.Method == http.MethodPost && r.URL.Path == "/files/_update/doc1":
			var body struct {
				Doc map[string]map[string]float64 `json:"doc"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			updated = body.Doc
			mu.Unlock()
			_, _ = io.WriteString(w, `{"result":"updated"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer es.Close()

	out, err := execute(t, nil, "index", "doc1", "doc2",
		"--elastic-url", es.URL,
		"--score-url", score.URL,
		"--broker-url", broker.URL,
		"--no-file",
		"--log-level", "error",
	)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("doc2 must fail with not found, got %v", err)
	}
	if !strings.Contains(out, "doc1 ok") || !strings.Contains(out, "total_reads=100") || !strings.Contains(out, "doc2 failed") {
		t.Fatalf("output:\n%s", out)
	}

	mu.Lock()
	defer mu.Unlock()
	m := updated["bam_metrics"]
	if m["total_reads"] != 100 || m["mapped_reads_percentage"] != 0.9 || m["mean_read_coverage"] != 5 {
		t.Fatalf("document update=%v", updated)
	}
}

func TestIndexCommand_NeedsIDsAndScore(t *testing.T) {
	clearEnv(t)
	if _, err := execute(t, nil, "index", "--no-file"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("no ids: %v", err)
	}
	if _, err := execute(t, nil, "index", "doc1", "--no-file"); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("no score url: %v", err)
	}
}

func TestReportRecorder_ConcurrentDeliverAndRead(t *testing.T) {
	rec := &reportRecorder{svc: delivery.New(nil,
		delivery.Callback("ok", func(context.Context, domain.Delivery) error { return nil }),
		delivery.Callback("down", func(context.Context, domain.Delivery) error { return errors.New("down") }),
	)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = rec.Deliver(context.Background(), domain.Delivery{Metrics: domain.NewAggregatedMetrics()})
		}()
		go func() {
			defer wg.Done()
			if n := len(rec.Report().Outcomes); n != 0 && n != 2 {
				t.Errorf("partial report with %d outcomes", n)
			}
		}()
	}
	wg.Wait()

	rep := rec.Report()
	if failed := rep.Failed(); len(failed) != 1 || failed[0] != "down" {
		t.Fatalf("Failed()=%v", failed)
	}
	rep.Outcomes[0].Destination = "mutated"
	if rec.Report().Outcomes[0].Destination != "ok" {
		t.Fatal("Report shares its slice with the recorder")
	}
}
