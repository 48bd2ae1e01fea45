package config

import (
	"crypto/md5"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	SinkTypeLoki  = "loki"
	SinkTypeKafka = "kafka"
)

type ReplaceFieldSetting struct {
	Path        string `koanf:"path"`
	Pattern     string `koanf:"pattern"`
	Replacement string `koanf:"replacement"`
}

// SinkConfig describes one downstream destination for recorded entries
// along with the field transforms applied on the way out
type SinkConfig struct {
	Type string `koanf:"type"`

	// Loki settings
	URL             string            `koanf:"url"`
	AddTags         map[string]string `koanf:"add_tags"`
	CompressRequest bool              `koanf:"compress_request"`
	ProbeReadiness  bool              `koanf:"probe_readiness"`

	// Kafka settings
	Brokers []string `koanf:"brokers"`
	Topics  []string `koanf:"topics"`

	// Entry transforms
	AddFields     map[string]string     `koanf:"add_fields"`
	DropFields    []string              `koanf:"drop_fields"`
	ReplaceFields []ReplaceFieldSetting `koanf:"replace_fields"`
}

func (s *SinkConfig) Validate() error {
	switch s.Type {
	case SinkTypeLoki:
		if s.URL == "" {
			return fmt.Errorf("loki sink requires a URL")
		}
	case SinkTypeKafka:
		if len(s.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
		if len(s.Topics) == 0 {
			return fmt.Errorf("kafka sink requires at least one topic")
		}
	default:
		return fmt.Errorf("unknown sink type %q", s.Type)
	}

	for _, replacement := range s.ReplaceFields {
		if _, err := regexp.Compile(replacement.Pattern); err != nil {
			return fmt.Errorf("invalid replace pattern %q: %w", replacement.Pattern, err)
		}
	}

	return nil
}

// CreateSinkSignature generates a signature for a sink by hashing its
// configuration values along with ordered tag key-values
func (s *SinkConfig) CreateSinkSignature(runId string) string {
	var (
		signature     string
		sinkConfParts []string
	)

	if s.Type == SinkTypeLoki {
		var (
			tagKeys   []string
			tagValues []string
		)

		// Ensure tag key-value pairs are ordered
		for k, v := range s.AddTags {
			tagKeys = append(tagKeys, k)
			tagValues = append(tagValues, v)
		}
		sort.Strings(tagKeys)
		sort.Strings(tagValues)

		sinkConfParts = append(sinkConfParts, s.URL, runId)
		sinkConfParts = append(sinkConfParts, tagKeys...)
		sinkConfParts = append(sinkConfParts, tagValues...)
	}

	if s.Type == SinkTypeKafka {
		sinkConfParts = append(sinkConfParts, s.Topics...)
		sinkConfParts = append(sinkConfParts, s.Brokers...)
	}

	signature = fmt.Sprintf("%x",
		md5.Sum([]byte(strings.Join(sinkConfParts, ""))),
	)

	return signature
}
