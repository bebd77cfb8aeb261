// Package location imports visits and activities from location history
// exports dropped into a directory. Both the on-device export
// (semanticSegments) and the older archive format (timelineObjects) are
// read. Segment ids are content hashes, so re-importing a file is a no-op.
package location

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dethbird/journal-sub000/internal/canonical"
	"github.com/dethbird/journal-sub000/internal/cursor"
	"github.com/dethbird/journal-sub000/internal/source"
)

const (
	Provider = "location"

	EventVisit    = "visit"
	EventActivity = "activity"

	schemaURL = "https://journal.local/schemas/timeline.schema.json"
)

//go:embed timeline.schema.json
var schemaJSON []byte

type Config struct {
	ExportDir string
}

type Collector struct {
	cfg    Config
	schema *jsonschema.Schema
	logger *slog.Logger
}

var _ source.GlobalCollector = (*Collector)(nil)

// New compiles the export schema. It only fails if the embedded schema is
// broken.
func New(cfg Config) (*Collector, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decoding export schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("adding export schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling export schema: %w", err)
	}
	return &Collector{cfg: cfg, schema: sch, logger: slog.Default().With("provider", Provider)}, nil
}

func Register(reg *source.Registry, c *Collector) error {
	return reg.Register(Provider, source.Global{Collector: c}, source.WithCursor(cursor.StructuredSpec))
}

// Segment is the payload of a visit or activity event.
type Segment struct {
	Kind         string    `json:"kind"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	PlaceID      string    `json:"place_id,omitempty"`
	PlaceName    string    `json:"place_name,omitempty"`
	SemanticType string    `json:"semantic_type,omitempty"`
	Level        string    `json:"level,omitempty"`
	Probability  float64   `json:"probability,omitempty"`
	Lat          float64   `json:"lat,omitempty"`
	Lng          float64   `json:"lng,omitempty"`
	FromLat      float64   `json:"from_lat,omitempty"`
	FromLng      float64   `json:"from_lng,omitempty"`
	ToLat        float64   `json:"to_lat,omitempty"`
	ToLng        float64   `json:"to_lng,omitempty"`
	Mode         string    `json:"mode,omitempty"`
	DistanceM    float64   `json:"distance_m,omitempty"`
	File         string    `json:"file"`
}

// ID is the content hash identifying the segment across re-imports.
func (s Segment) ID() string {
	switch s.Kind {
	case EventVisit:
		return canonical.New("visit").
			Time("start", s.Start).
			Time("end", s.End).
			String("place", s.PlaceID).
			String("level", s.Level).
			ID(canonical.DomainLocation)
	default:
		return canonical.New("activity").
			Time("start", s.Start).
			Time("end", s.End).
			Coord("from", s.FromLat, s.FromLng).
			Coord("to", s.ToLat, s.ToLng).
			String("mode", s.Mode).
			ID(canonical.DomainLocation)
	}
}

// Collect reads every export whose modification time is newer than its
// mark in the cursor. A file that fails validation keeps its old mark and
// is read again on the next cycle; the rest of the directory is still
// imported.
func (c *Collector) Collect(ctx context.Context, cur cursor.Cursor) (source.Result, error) {
	if c.cfg.ExportDir == "" {
		return source.Result{}, &source.ConfigurationError{Provider: Provider, Message: "export directory is not set"}
	}
	files, err := filepath.Glob(filepath.Join(c.cfg.ExportDir, "*.json"))
	if err != nil {
		return source.Result{}, fmt.Errorf("listing exports: %w", err)
	}
	sort.Strings(files)

	prev, _ := cur.(cursor.Structured)
	next := prev
	var items []source.Item

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return source.Result{}, err
		}
		name := filepath.Base(path)
		info, err := os.Stat(path)
		if err != nil {
			c.logger.Warn("skipping export", "file", name, "error", err)
			continue
		}
		mark := strconv.FormatInt(info.ModTime().UnixMilli(), 10)
		if !cursor.MarkAfter(mark, prev.Get(name)) {
			continue
		}

		segs, err := c.ReadFile(path)
		if err != nil {
			c.logger.Warn("skipping export", "file", name, "error", err)
			continue
		}
		for _, s := range segs {
			items = append(items, source.Item{
				ExternalID: s.ID(),
				EventType:  s.Kind,
				OccurredAt: s.Start,
				Payload:    s,
			})
		}
		next = next.With(name, mark)
	}
	return source.Result{Items: items, Next: next}, nil
}

// ReadFile validates and parses one export.
func (c *Collector) ReadFile(path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("export does not match schema: %w", err)
	}

	var doc export
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	name := filepath.Base(path)
	var out []Segment
	for _, s := range doc.SemanticSegments {
		if seg, ok := s.segment(name); ok {
			out = append(out, seg)
		}
	}
	for _, o := range doc.TimelineObjects {
		if seg, ok := o.segment(name); ok {
			out = append(out, seg)
		}
	}
	return out, nil
}

type export struct {
	SemanticSegments []semanticSegment `json:"semanticSegments"`
	TimelineObjects  []timelineObject  `json:"timelineObjects"`
}

type semanticSegment struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Visit     *struct {
		HierarchyLevel int     `json:"hierarchyLevel"`
		Probability    float64 `json:"probability"`
		TopCandidate   struct {
			PlaceID       string `json:"placeId"`
			SemanticType  string `json:"semanticType"`
			PlaceLocation struct {
				LatLng string `json:"latLng"`
			} `json:"placeLocation"`
		} `json:"topCandidate"`
	} `json:"visit"`
	Activity *struct {
		Start struct {
			LatLng string `json:"latLng"`
		} `json:"start"`
		End struct {
			LatLng string `json:"latLng"`
		} `json:"end"`
		DistanceMeters float64 `json:"distanceMeters"`
		TopCandidate   struct {
			Type string `json:"type"`
		} `json:"topCandidate"`
	} `json:"activity"`
}

func (s semanticSegment) segment(file string) (Segment, bool) {
	start, err1 := time.Parse(time.RFC3339Nano, s.StartTime)
	end, err2 := time.Parse(time.RFC3339Nano, s.EndTime)
	if err1 != nil || err2 != nil {
		return Segment{}, false
	}
	seg := Segment{Start: start.UTC(), End: end.UTC(), File: file}
	switch {
	case s.Visit != nil:
		seg.Kind = EventVisit
		seg.PlaceID = s.Visit.TopCandidate.PlaceID
		seg.SemanticType = s.Visit.TopCandidate.SemanticType
		seg.Level = strconv.Itoa(s.Visit.HierarchyLevel)
		seg.Probability = s.Visit.Probability
		seg.Lat, seg.Lng, _ = parseLatLng(s.Visit.TopCandidate.PlaceLocation.LatLng)
	case s.Activity != nil:
		seg.Kind = EventActivity
		seg.FromLat, seg.FromLng, _ = parseLatLng(s.Activity.Start.LatLng)
		seg.ToLat, seg.ToLng, _ = parseLatLng(s.Activity.End.LatLng)
		seg.Mode = s.Activity.TopCandidate.Type
		seg.DistanceM = s.Activity.DistanceMeters
	default:
		// timelinePath and memory segments carry no visit or activity.
		return Segment{}, false
	}
	return seg, true
}

type duration struct {
	StartTimestamp   string `json:"startTimestamp"`
	EndTimestamp     string `json:"endTimestamp"`
	StartTimestampMs string `json:"startTimestampMs"`
	EndTimestampMs   string `json:"endTimestampMs"`
}

func (d duration) bounds() (time.Time, time.Time, bool) {
	start, ok1 := parseExportTime(d.StartTimestamp, d.StartTimestampMs)
	end, ok2 := parseExportTime(d.EndTimestamp, d.EndTimestampMs)
	return start, end, ok1 && ok2
}

type e7Location struct {
	LatitudeE7  int64  `json:"latitudeE7"`
	LongitudeE7 int64  `json:"longitudeE7"`
	PlaceID     string `json:"placeId"`
	Name        string `json:"name"`
}

type timelineObject struct {
	PlaceVisit *struct {
		Location             e7Location `json:"location"`
		Duration             duration   `json:"duration"`
		VisitConfidence      float64    `json:"visitConfidence"`
		PlaceVisitImportance string     `json:"placeVisitImportance"`
	} `json:"placeVisit"`
	ActivitySegment *struct {
		StartLocation e7Location `json:"startLocation"`
		EndLocation   e7Location `json:"endLocation"`
		Duration      duration   `json:"duration"`
		Distance      float64    `json:"distance"`
		ActivityType  string     `json:"activityType"`
	} `json:"activitySegment"`
}

func (o timelineObject) segment(file string) (Segment, bool) {
	switch {
	case o.PlaceVisit != nil:
		start, end, ok := o.PlaceVisit.Duration.bounds()
		if !ok {
			return Segment{}, false
		}
		return Segment{
			Kind:        EventVisit,
			Start:       start,
			End:         end,
			PlaceID:     o.PlaceVisit.Location.PlaceID,
			PlaceName:   o.PlaceVisit.Location.Name,
			Level:       o.PlaceVisit.PlaceVisitImportance,
			Probability: o.PlaceVisit.VisitConfidence / 100,
			Lat:         e7(o.PlaceVisit.Location.LatitudeE7),
			Lng:         e7(o.PlaceVisit.Location.LongitudeE7),
			File:        file,
		}, true
	case o.ActivitySegment != nil:
		start, end, ok := o.ActivitySegment.Duration.bounds()
		if !ok {
			return Segment{}, false
		}
		return Segment{
			Kind:      EventActivity,
			Start:     start,
			End:       end,
			FromLat:   e7(o.ActivitySegment.StartLocation.LatitudeE7),
			FromLng:   e7(o.ActivitySegment.StartLocation.LongitudeE7),
			ToLat:     e7(o.ActivitySegment.EndLocation.LatitudeE7),
			ToLng:     e7(o.ActivitySegment.EndLocation.LongitudeE7),
			Mode:      o.ActivitySegment.ActivityType,
			DistanceM: o.ActivitySegment.Distance,
			File:      file,
		}, true
	}
	return Segment{}, false
}

func e7(v int64) float64 { return float64(v) / 1e7 }

func parseExportTime(iso, ms string) (time.Time, bool) {
	if iso != "" {
		t, err := time.Parse(time.RFC3339Nano, iso)
		return t.UTC(), err == nil
	}
	if ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		return time.UnixMilli(n).UTC(), err == nil
	}
	return time.Time{}, false
}

// parseLatLng reads "48.8566°, 2.3522°" and "geo:48.8566,2.3522".
func parseLatLng(s string) (float64, float64, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "geo:")
	s = strings.ReplaceAll(s, "°", "")
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		return 0, 0, false
	}
	return lat, lng, true
}
