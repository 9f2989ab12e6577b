package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	errorsRest    int64
	errorsStream  int64
	warnsRest     int64
	warnsStream   int64
	restRequests  int64
	restRetries   int64
	streamEvents  int64
	streamDrops   int64
	reconnects    int64
	streams       sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&warnsRest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&errorsRest, 1)
	}
}

// IncrementRestRequest records one completed REST call against the exchange.
func IncrementRestRequest() {
	atomic.AddInt64(&restRequests, 1)
}

// IncrementRetryCount records one retry of a failed operation.
func IncrementRetryCount() {
	atomic.AddInt64(&restRetries, 1)
}

// IncrementStreamEvent records one dispatched stream event of the given size.
func IncrementStreamEvent(channel string, size int) {
	atomic.AddInt64(&streamEvents, 1)
	recordStream(channel, size)
}

// IncrementStreamDrop records an inbound frame that was dropped (parse failure
// or unroutable event).
func IncrementStreamDrop() {
	atomic.AddInt64(&streamDrops, 1)
}

// IncrementReconnect records one reconnection sequence being started.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func recordStream(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	cs := v.(*streamStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and connectivity statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*streamStat)
		streamData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_rest":    atomic.LoadInt64(&errorsRest),
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"warns_rest":     atomic.LoadInt64(&warnsRest),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"rest_requests":  atomic.LoadInt64(&restRequests),
		"rest_retries":   atomic.LoadInt64(&restRetries),
		"stream_events":  atomic.LoadInt64(&streamEvents),
		"stream_drops":   atomic.LoadInt64(&streamDrops),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"goroutines":     runtime.NumGoroutine(),
		"streams":        streamData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("RestRequests"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rest_requests"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RestRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rest_retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("StreamDrops"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_drops"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_rest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
	)

	for name, stats := range streamData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("StreamBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
