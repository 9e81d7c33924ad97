package syncengine

import (
	"encoding/json"
	"time"
)

// Checkpoint strategies. Cursor work resumes from an opaque provider cursor,
// chunk work from a chunk index over a known plan, fanout tracks child runs.
const (
	StrategyCursor = "cursor"
	StrategyChunk  = "chunk"
	StrategyFanout = "fanout"
)

type CursorCheckpoint struct {
	Cursor       string `json:"cursor"`
	UpdatedSince string `json:"updated_since"`
}

type ChunkCheckpoint struct {
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	ObjectName  string `json:"object_name,omitempty"`
}

type FanoutCheckpoint struct {
	ChildRunIds []uint `json:"child_run_ids"`
	PollCount   int    `json:"poll_count"`
}

// Checkpoint is the tagged union persisted on SyncRun.CheckpointJSON. Exactly
// one of Cursor/Chunk/Fanout is set, selected by Strategy.
type Checkpoint struct {
	Strategy string            `json:"strategy"`
	Cursor   *CursorCheckpoint `json:"cursor,omitempty"`
	Chunk    *ChunkCheckpoint  `json:"chunk,omitempty"`
	Fanout   *FanoutCheckpoint `json:"fanout,omitempty"`

	RunningTotal   int64  `json:"running_total"`
	ChunkErrors    int    `json:"chunk_errors"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
	CanResume      bool   `json:"can_resume"`
}

func NewCursorCheckpoint(cursor, updatedSince string) Checkpoint {
	return Checkpoint{
		Strategy:  StrategyCursor,
		Cursor:    &CursorCheckpoint{Cursor: cursor, UpdatedSince: updatedSince},
		CanResume: true,
	}
}

func NewChunkCheckpoint(index, total int, objectName string) Checkpoint {
	return Checkpoint{
		Strategy:  StrategyChunk,
		Chunk:     &ChunkCheckpoint{ChunkIndex: index, TotalChunks: total, ObjectName: objectName},
		CanResume: true,
	}
}

func NewFanoutCheckpoint(childRunIds []uint) Checkpoint {
	return Checkpoint{
		Strategy:  StrategyFanout,
		Fanout:    &FanoutCheckpoint{ChildRunIds: childRunIds},
		CanResume: false,
	}
}

// DecodeCheckpoint is lenient: an empty or corrupt blob yields a zero
// checkpoint with resume disabled, never an error. A bad checkpoint must not
// wedge the run row.
func DecodeCheckpoint(raw []byte) Checkpoint {
	if len(raw) == 0 {
		return Checkpoint{}
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}
	}
	switch cp.Strategy {
	case StrategyCursor:
		if cp.Cursor == nil {
			return Checkpoint{}
		}
	case StrategyChunk:
		if cp.Chunk == nil {
			return Checkpoint{}
		}
	case StrategyFanout:
		if cp.Fanout == nil {
			return Checkpoint{}
		}
	default:
		return Checkpoint{}
	}
	return cp
}

func EncodeCheckpoint(cp Checkpoint) []byte {
	cp.LastActivityAt = time.Now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(cp)
	return b
}

type StartSyncRequest struct {
	DryRun bool `json:"dryRun"`
	// ObjectName is the GCS object for csv-import runs.
	ObjectName string `json:"objectName"`
}

type CancelSyncRequest struct {
	// Source is a source name or "all".
	Source string `json:"source" binding:"required"`
	Reason string `json:"reason"`
}

type ForceKillRequest struct {
	ThresholdSeconds int `json:"thresholdSeconds"`
}

type ConnectSourceRequest struct {
	AuthType      string `json:"authType"`
	AuthSecretRef string `json:"authSecretRef" binding:"required"`
	AccountId     string `json:"accountId"`
	AccountName   string `json:"accountName"`
}

type SourceStatusResponse struct {
	Source            string           `json:"source"`
	ConnectionStatus  string           `json:"connectionStatus"`
	LastSyncAt        *string          `json:"lastSyncAt"`
	LastSuccessSyncAt *string          `json:"lastSuccessSyncAt"`
	Run               *SyncRunResponse `json:"run"`
}

type StatusResponse struct {
	Sources        []SourceStatusResponse `json:"sources"`
	TotalCustomers int64                  `json:"totalCustomers"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Source        string  `json:"source"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	DryRun        bool    `json:"dryRun"`
	ImportId      string  `json:"importId"`
	TotalFetched  int64   `json:"totalFetched"`
	TotalInserted int64   `json:"totalInserted"`
	TotalUpdated  int64   `json:"totalUpdated"`
	ErrorCount    int     `json:"errorCount"`
	ErrorMessage  *string `json:"errorMessage"`
	ParentRunId   *uint   `json:"parentRunId"`
	StartedAt     *string `json:"startedAt"`
	CompletedAt   *string `json:"completedAt"`
}

type SyncRunListResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Checkpoint Checkpoint         `json:"checkpoint"`
	Staged     []StagedCountEntry `json:"staged"`
}

type StagedCountEntry struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncPubSubPayload dispatches a run to the worker. Continuation messages for
// a parked run carry the same shape with Continuation=true.
type SyncPubSubPayload struct {
	RunId        uint   `json:"run_id"`
	BusinessId   string `json:"business_id"`
	Continuation bool   `json:"continuation,omitempty"`
}
