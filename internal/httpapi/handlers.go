package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jmylchreest/videorelay-broker/internal/broker"
)

// startRequest is the wire shape for POST /control/start. It mirrors
// broker.SourceDescriptor field-for-field; StartTime/EndTime are RFC3339
// strings since a playback window is optional.
type startRequest struct {
	CallerSourceID string  `json:"caller_source_id"`
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	ChannelNo      int     `json:"channel_no"`
	StreamType     int     `json:"stream_type"`
	Username       string  `json:"username,omitempty"`
	Password       string  `json:"password,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	StartTime      *string `json:"start_time,omitempty"`
	EndTime        *string `json:"end_time,omitempty"`
}

func (r startRequest) toDescriptor() (broker.SourceDescriptor, error) {
	desc := broker.SourceDescriptor{
		CallerSourceID: r.CallerSourceID,
		Host:           r.Host,
		Port:           r.Port,
		ChannelNo:      r.ChannelNo,
		StreamType:     broker.StreamType(r.StreamType),
		Username:       r.Username,
		Password:       r.Password,
		Width:          r.Width,
		Height:         r.Height,
	}
	if r.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *r.StartTime)
		if err != nil {
			return broker.SourceDescriptor{}, err
		}
		desc.StartTime = &t
	}
	if r.EndTime != nil {
		t, err := time.Parse(time.RFC3339, *r.EndTime)
		if err != nil {
			return broker.SourceDescriptor{}, err
		}
		desc.EndTime = &t
	}
	return desc, nil
}

type startResponse struct {
	ChannelKey   string `json:"channel_key"`
	EndpointHint string `json:"endpoint_hint"`
	LocalPort    int    `json:"local_port"`
	Reused       bool   `json:"reused"`
}

type stopRequest struct {
	CallerSourceID string `json:"caller_source_id"`
}

type snapshotResponse struct {
	ChannelKey        string              `json:"channel_key"`
	Port              int                 `json:"port"`
	Status            string              `json:"status"`
	SubscriberCount   int                 `json:"subscriber_count"`
	ProducerConnected bool                `json:"producer_connected"`
	CreatedAt         time.Time           `json:"created_at"`
	LastAccessAt      time.Time           `json:"last_access_at"`
	ExitInfo          *broker.ExitInfo    `json:"exit_info,omitempty"`
	ProcessStats      *broker.ProcessStats `json:"process_stats,omitempty"`
}

func toSnapshotResponse(s broker.Snapshot) snapshotResponse {
	return snapshotResponse{
		ChannelKey:        string(s.Key),
		Port:              s.Port,
		Status:            s.Status.String(),
		SubscriberCount:   s.SubscriberCount,
		ProducerConnected: s.ProducerConnected,
		CreatedAt:         s.CreatedAt,
		LastAccessAt:      s.LastAccessAt,
		ExitInfo:          s.ExitInfo,
		ProcessStats:      s.ProcessStats,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStart implements POST /control/start.
func (h *handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	desc, err := req.toDescriptor()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid playback window: "+err.Error())
		return
	}

	// The transcoder outlives this request, so its context must not be
	// cancelled when the handler returns.
	result, err := h.broker.Start(context.WithoutCancel(r.Context()), desc)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "control: start failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		ChannelKey:   string(result.ChannelKey),
		EndpointHint: result.EndpointHint,
		LocalPort:    result.LocalPort,
		Reused:       result.Reused,
	})
}

// handleStop implements POST /control/stop.
func (h *handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.broker.Stop(req.CallerSourceID)
	w.WriteHeader(http.StatusNoContent)
}

// handleInspect implements GET /control/channels/{channel_key}.
func (h *handlers) handleInspect(w http.ResponseWriter, r *http.Request) {
	key := broker.ChannelKey(chi.URLParam(r, "channel_key"))
	snap := h.broker.Inspect(key)
	if snap == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(*snap))
}

// handleInspectAll implements GET /control/channels.
func (h *handlers) handleInspectAll(w http.ResponseWriter, r *http.Request) {
	snaps := h.broker.InspectAll()
	out := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toSnapshotResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStream implements GET /streams/{channel_key}: upgrades to a
// websocket and attaches it to the channel's fan-out pipeline as a sink.
// It blocks reading (and discarding) inbound messages purely to detect
// disconnection; subscribers never send anything meaningful upstream.
func (h *handlers) handleStream(w http.ResponseWriter, r *http.Request) {
	key := broker.ChannelKey(chi.URLParam(r, "channel_key"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "stream: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sink := newWebsocketSink(conn)
	subscriberID, err := h.broker.Attach(key, sink)
	if err != nil {
		writeCloseAndLog(h.logger, conn, "channel not found")
		return
	}

	h.logger.Info("stream: subscriber attached",
		slog.String("channel_key", string(key)),
		slog.String("subscriber_id", subscriberID))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	_ = h.broker.Detach(key, subscriberID)
	_ = sink.Close()
	h.logger.Info("stream: subscriber detached",
		slog.String("channel_key", string(key)),
		slog.String("subscriber_id", subscriberID))
}

func writeCloseAndLog(logger *slog.Logger, conn *websocket.Conn, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	_ = conn.Close()
	logger.Warn("stream: attach rejected", slog.String("reason", reason))
}
