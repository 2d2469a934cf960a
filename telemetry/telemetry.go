// Package telemetry records per-operation dome status points to InfluxDB.
// It is strictly best-effort: a missing or unreachable telemetry server
// never affects the outcome of a dome operation.
package telemetry

import (
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/kestrelobs/dome_interface/dome"
)

type Recorder struct {
	client influxdb2.Client
	write  api.WriteApi
}

// New returns nil when no server is configured; a nil Recorder is safe to
// use and records nothing.
func New(server, token, org, bucket string) *Recorder {
	if server == "" {
		return nil
	}
	client := influxdb2.NewClient(server, token)
	write := client.WriteApi(org, bucket)
	errorsCh := write.Errors()
	go func() {
		for err := range errorsCh {
			log.Printf("telemetry write error: %v", err)
		}
	}()
	return &Recorder{client: client, write: write}
}

// Record writes one status point for a finished operation.
func (r *Recorder) Record(op string, status dome.Status, opErr error) {
	if r == nil {
		return
	}
	fields := map[string]interface{}{
		"azimuth":        status.Azimuth,
		"position_known": status.PositionKnown,
		"parked":         status.Parked,
		"at_home":        status.AtHome,
		"turning":        status.Turning,
		"shutter":        string(status.Shutter),
		"encoder_errors": status.EncoderErrors,
		"encoder_speed":  status.EncoderSpeed,
		"ok":             opErr == nil,
	}
	if opErr != nil {
		fields["fault"] = opErr.Error()
	}
	p := influxdb2.NewPoint("dome.status",
		map[string]string{"operation": op},
		fields,
		time.Now(),
	)
	r.write.WritePoint(p)
}

// Close flushes pending points and shuts the client down.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.write.Flush()
	r.write.Close()
	r.client.Close()
}
