package transform

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/alptrack/alptrack/internal/config"
	"github.com/alptrack/alptrack/internal/runlog"
	"github.com/alptrack/alptrack/internal/telemetry/metrics"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type replaceRule struct {
	path        string
	pattern     *regexp.Regexp
	replacement string
}

// Transformer reshapes iteration entries before they reach a sink's
// buffer. Additions and removals act on the entry's context map while
// replacements address any string field via dot notation.
type Transformer struct {
	cancelFunc context.CancelFunc
	ctx        context.Context
	logger     zerolog.Logger

	addFields    map[string]string
	dropFields   []string
	replaceRules []replaceRule

	TransformChan chan runlog.Entry
}

type TransformerOptions struct {
	AddFields     map[string]string
	DropFields    []string
	ReplaceFields []config.ReplaceFieldSetting
	Logger        zerolog.Logger
}

func NewTransformer(opts TransformerOptions) *Transformer {
	ctx, cancelFunc := context.WithCancel(context.Background())

	metrics.Meters.InitializedComponents["transformer"].Add(ctx, 1)

	replaceRules := make([]replaceRule, 0, len(opts.ReplaceFields))
	for _, setting := range opts.ReplaceFields {
		pattern, err := regexp.Compile(setting.Pattern)
		if err != nil {
			opts.Logger.Error().Err(err).Msgf("Skipped replace rule for path %q", setting.Path)
			continue
		}
		replaceRules = append(replaceRules, replaceRule{
			path:        setting.Path,
			pattern:     pattern,
			replacement: setting.Replacement,
		})
	}

	return &Transformer{
		ctx:           ctx,
		cancelFunc:    cancelFunc,
		logger:        opts.Logger,
		addFields:     opts.AddFields,
		dropFields:    opts.DropFields,
		replaceRules:  replaceRules,
		TransformChan: make(chan runlog.Entry, 1024),
	}
}

// Apply returns a transformed copy of the entry. The input entry is
// left untouched.
func (t *Transformer) Apply(entry runlog.Entry) runlog.Entry {
	transformed := entry

	if len(t.addFields) > 0 || len(t.dropFields) > 0 {
		transformed.Context = make(map[string]string, len(entry.Context)+len(t.addFields))
		for k, v := range entry.Context {
			transformed.Context[k] = v
		}
		for k, v := range t.addFields {
			transformed.Context[k] = v
		}
		for _, dropped := range t.dropFields {
			delete(transformed.Context, dropped)
		}
	}

	if len(t.replaceRules) > 0 {
		// Marshal the entry into JSON for dot-notation traversal and modification
		marshalled, err := json.Marshal(transformed)
		if err != nil {
			t.logger.Error().Err(err).Msg("")
			return transformed
		}
		marshalledString := string(marshalled)

		for _, rule := range t.replaceRules {
			// Replacements act on string-valued fields only
			replacingData := gjson.Get(marshalledString, rule.path)
			if replacingData.Str == "" {
				continue
			}

			replacedData := rule.pattern.ReplaceAllString(replacingData.String(), rule.replacement)
			marshalledString, err = sjson.Set(marshalledString, rule.path, replacedData)
			if err != nil {
				t.logger.Error().Err(err).Msg("")
			}
		}

		if err := json.Unmarshal([]byte(marshalledString), &transformed); err != nil {
			t.logger.Error().Err(err).Msg("")
		}
	}

	return transformed
}

func (t *Transformer) Run(bufferChans []chan runlog.Entry) {
	for {
		select {
		case <-t.ctx.Done():
			// Drain pending entries so nothing recorded right before
			// shutdown is lost
			for {
				select {
				case entry := <-t.TransformChan:
					transformed := t.Apply(entry)
					for _, bufferChan := range bufferChans {
						bufferChan <- transformed
					}
				default:
					return
				}
			}
		case entry := <-t.TransformChan:
			transformed := t.Apply(entry)

			// Broadcast transformed entry to buffers if there are multiple sinks
			for _, bufferChan := range bufferChans {
				bufferChan <- transformed
			}
		default:
			time.Sleep(500 * time.Millisecond)
		}
	}
}

func (t *Transformer) Close() {
	metrics.Meters.InitializedComponents["transformer"].Add(t.ctx, -1)

	t.cancelFunc()
}
