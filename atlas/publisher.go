package atlas

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
)

// DefaultPublishPrefix is the topic root when neither the config nor
// MQTT_PUBLISH_PREFIX names one.
const DefaultPublishPrefix = "atlas"

// Summary is the payload of the {prefix}/summary topic.
type Summary struct {
	Before     string   `json:"before"`
	After      string   `json:"after"`
	CellLength float64  `json:"cellLength"`
	Limits     Limits   `json:"limits"`
	Stats      RunStats `json:"stats"`
	Raster     string   `json:"raster,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// CellMessage is the payload of a {prefix}/cells/{x}_{y} topic. Cells
// without a displacement carry NoData in every component.
type CellMessage struct {
	X         int32      `json:"x"`
	Y         int32      `json:"y"`
	Status    CellStatus `json:"status"`
	DX        float64    `json:"dx"`
	DY        float64    `json:"dy"`
	DZ        float64    `json:"dz"`
	Magnitude float64    `json:"magnitude"`
	NoData    bool       `json:"noData,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// Publisher publishes run results to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	mu            sync.Mutex
	lastSummary   *Summary
	cells         map[CellKey]struct{} // cell topics holding a retained message
}

// NewPublisher creates a result publisher. MQTT_PUBLISH_PREFIX overrides
// prefix; an empty prefix falls back to DefaultPublishPrefix.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true, // latest field stays available to late subscribers
	}
}

// Prefix returns the topic root.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// SummaryTopic returns the topic of the run summary.
func (p *Publisher) SummaryTopic() string {
	return p.publishPrefix + "/summary"
}

// CellTopic returns the topic of one cell's displacement.
func (p *Publisher) CellTopic(x, y int32) string {
	return fmt.Sprintf("%s/cells/%d_%d", p.publishPrefix, x, y)
}

// PublishReport publishes the summary and then every populated cell in
// row-major order: registered cells with their vector, the rest marked
// as no-data. Retained topics of cells the report no longer contains are
// cleared. All cells are attempted; their errors are combined.
func (p *Publisher) PublishReport(r *Report) error {
	if r == nil {
		return fmt.Errorf("no report to publish")
	}
	if err := p.PublishSummary(r); err != nil {
		return err
	}

	var errs error
	vectors, noData := 0, 0
	current := make(map[CellKey]struct{}, len(r.Cells))
	for _, c := range r.Cells {
		current[NewCellKey(c.X, c.Y)] = struct{}{}
		var err error
		if c.Vector != nil {
			err = p.PublishCell(c, r.GeneratedAt)
			if err == nil {
				vectors++
			}
		} else {
			err = p.PublishNoData(c, r.GeneratedAt)
			if err == nil {
				noData++
			}
		}
		errs = multierr.Append(errs, err)
	}

	p.mu.Lock()
	previous := p.cells
	p.cells = current
	p.mu.Unlock()

	cleared := 0
	for key := range previous {
		if _, ok := current[key]; ok {
			continue
		}
		if err := p.publish(p.CellTopic(key.X(), key.Y()), nil); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cleared++
	}
	Logf("Published %d cell vectors and %d no-data cells under %s/cells (%d cleared)",
		vectors, noData, p.publishPrefix, cleared)
	return errs
}

// PublishSummary publishes the run summary.
func (p *Publisher) PublishSummary(r *Report) error {
	s := &Summary{
		Before:     r.Before,
		After:      r.After,
		CellLength: r.CellLength,
		Limits:     r.Limits,
		Stats:      r.Stats,
		Raster:     r.Raster,
		Timestamp:  r.GeneratedAt,
	}
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().Unix()
	}
	if err := p.publishJSON(p.SummaryTopic(), s); err != nil {
		return err
	}

	p.mu.Lock()
	p.lastSummary = s
	p.mu.Unlock()

	Logf("Published summary: %d cells, %d registered", s.Stats.Cells, s.Stats.Registered)
	return nil
}

// PublishCell publishes one registered cell. Cells without a vector are
// rejected.
func (p *Publisher) PublishCell(c CellReport, timestamp int64) error {
	if c.Vector == nil {
		return fmt.Errorf("cell %d/%d has no displacement", c.X, c.Y)
	}
	v := *c.Vector
	msg := CellMessage{
		X:         c.X,
		Y:         c.Y,
		Status:    c.Status,
		DX:        v[0],
		DY:        v[1],
		DZ:        v[2],
		Magnitude: vectorNorm(v),
		Timestamp: timestamp,
	}
	return p.publishJSON(p.CellTopic(c.X, c.Y), msg)
}

// PublishNoData publishes a cell that has no displacement, replacing any
// vector a previous run left retained on its topic.
func (p *Publisher) PublishNoData(c CellReport, timestamp int64) error {
	msg := CellMessage{
		X:         c.X,
		Y:         c.Y,
		Status:    c.Status,
		DX:        NoData,
		DY:        NoData,
		DZ:        NoData,
		Magnitude: NoData,
		NoData:    true,
		Error:     c.Error,
		Timestamp: timestamp,
	}
	return p.publishJSON(p.CellTopic(c.X, c.Y), msg)
}

func vectorNorm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func (p *Publisher) publishJSON(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	return p.publish(topic, payload)
}

// publish sends payload to topic. An empty retained payload deletes the
// broker's retained message.
func (p *Publisher) publish(topic string, payload []byte) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastSummary returns a copy of the last published summary.
func (p *Publisher) LastSummary() (Summary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSummary == nil {
		return Summary{}, false
	}
	return *p.lastSummary, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
