package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	defaultIndex         = "files"
	defaultField         = "bam_metrics"
	defaultOutDir        = "."
	defaultCHDatabase    = "default"
	defaultCHUsername    = "default"
	defaultCHTable       = "bam_metrics"
	defaultConcurrency   = 4
	defaultLogLevel      = "info"
	defaultRunTimeout    = 30 * time.Minute
	defaultServerTimeout = 10 * time.Minute
)

// StoreConfig selects the document store. DSN wins over ElasticURL; with neither
// set an in-memory store is used.
type StoreConfig struct {
	DSN             string `yaml:"dsn"`
	ElasticURL      string `yaml:"elastic_url"`
	ElasticUsername string `yaml:"elastic_username"`
	ElasticPassword string `yaml:"elastic_password"`
	ElasticAPIKey   string `yaml:"elastic_api_key"`
	Index           string `yaml:"index"`
	Field           string `yaml:"field"`
}

// ScoreConfig points at the object storage gateway.
type ScoreConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SinkConfig lists optional output destinations.
type SinkConfig struct {
	OutDir             string   `yaml:"out_dir"`
	NoFile             bool     `yaml:"no_file"`
	WebhookURL         string   `yaml:"webhook_url"`
	WebhookKey         string   `yaml:"webhook_key"`
	JournalPath        string   `yaml:"journal"`
	ClickHouseAddr     []string `yaml:"clickhouse_addr"`
	ClickHouseDatabase string   `yaml:"clickhouse_database"`
	ClickHouseUsername string   `yaml:"clickhouse_username"`
	ClickHousePassword string   `yaml:"clickhouse_password"`
	ClickHouseTable    string   `yaml:"clickhouse_table"`
}

// SourceConfig controls how alignment files are read. An empty BrokerURL
// scans files locally.
type SourceConfig struct {
	BrokerURL     string `yaml:"broker_url"`
	GCSToken      string `yaml:"gcs_token"`
	AWSRegion     string `yaml:"aws_region"`
	SnapshotEvery int    `yaml:"snapshot_every"`
}

func defaultStore() StoreConfig {
	return StoreConfig{Index: defaultIndex, Field: defaultField}
}

func defaultSinks() SinkConfig {
	return SinkConfig{
		OutDir:             defaultOutDir,
		ClickHouseDatabase: defaultCHDatabase,
		ClickHouseUsername: defaultCHUsername,
		ClickHouseTable:    defaultCHTable,
	}
}

func (o *overlay) store(c *StoreConfig) {
	o.String(&c.DSN, "database-dsn", "d", "DATABASE_DSN", "Postgres document store DSN")
	o.String(&c.ElasticURL, "elastic-url", "", "ELASTIC_URL", "Elasticsearch document store URL")
	o.String(&c.ElasticUsername, "elastic-username", "", "ELASTIC_USERNAME", "Elasticsearch basic auth user")
	o.String(&c.ElasticPassword, "elastic-password", "", "ELASTIC_PASSWORD", "Elasticsearch basic auth password")
	o.String(&c.ElasticAPIKey, "elastic-api-key", "", "ELASTIC_API_KEY", "Elasticsearch API key")
	o.String(&c.Index, "index", "", "INDEX_NAME", fmt.Sprintf("document index, default: %s", defaultIndex))
	o.String(&c.Field, "field", "", "METRICS_FIELD", fmt.Sprintf("field holding metrics, default: %s", defaultField))
}

func (o *overlay) score(c *ScoreConfig) {
	o.String(&c.URL, "score-url", "", "SCORE_API_URL", "object storage gateway URL")
	o.String(&c.Token, "score-token", "", "SCORE_API_TOKEN", "object storage gateway bearer token")
}

func (o *overlay) sinks(c *SinkConfig) {
	o.String(&c.OutDir, "out", "o", "OUTPUT_DIR", fmt.Sprintf("directory for metrics files, default: %s", defaultOutDir))
	o.Bool(&c.NoFile, "no-file", "", "NO_FILE", "do not write a metrics file")
	o.String(&c.WebhookURL, "webhook-url", "", "WEBHOOK_URL", "POST metrics to this URL")
	o.String(&c.WebhookKey, "webhook-key", "", "WEBHOOK_KEY", "HMAC key for webhook signatures")
	o.String(&c.JournalPath, "journal", "", "JOURNAL_FILE", "append deliveries to this JSON lines file")
	o.List(&c.ClickHouseAddr, "clickhouse-addr", "", "CLICKHOUSE_ADDR", "ClickHouse native addresses")
	o.String(&c.ClickHouseDatabase, "clickhouse-database", "", "CLICKHOUSE_DATABASE", "ClickHouse database")
	o.String(&c.ClickHouseUsername, "clickhouse-username", "", "CLICKHOUSE_USERNAME", "ClickHouse user")
	o.String(&c.ClickHousePassword, "clickhouse-password", "", "CLICKHOUSE_PASSWORD", "ClickHouse password")
	o.String(&c.ClickHouseTable, "clickhouse-table", "", "CLICKHOUSE_TABLE", fmt.Sprintf("ClickHouse table, default: %s", defaultCHTable))
}

func (o *overlay) source(c *SourceConfig) {
	o.String(&c.BrokerURL, "broker-url", "b", "BROKER_URL", "remote broker base URL, empty scans locally")
	o.String(&c.GCSToken, "gcs-token", "", "GCS_TOKEN", "OAuth2 access token for gs:// files")
	o.String(&c.AWSRegion, "aws-region", "", "AWS_REGION", "region for s3:// files")
	o.Int(&c.SnapshotEvery, "snapshot-every", "", "SNAPSHOT_EVERY", "reads between local snapshots", 1)
}

func newFlagSet(name string, out io.Writer) *pflag.FlagSet {
	if out == nil {
		out = io.Discard
	}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false
	return fs
}

func (c StoreConfig) validate() error {
	if strings.TrimSpace(c.Index) == "" {
		return fmt.Errorf("index name is empty")
	}
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("metrics field is empty")
	}
	return nil
}
