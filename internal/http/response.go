package http

import (
	"raftvfs/pkg/group"
	"raftvfs/pkg/types"
	"raftvfs/pkg/vfs"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	// Code is a stable machine-readable error code, see vfs.Code.
	Code string `json:"code,omitempty"`

	// leader hint, set on 421 Misdirected Request
	LeaderID   uint64 `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// CommandResponse is the outcome of a committed command. A command that committed but
// failed to apply carries Index together with Error and Code.
type CommandResponse struct {
	Status  Status       `json:"status"`
	Index   uint64       `json:"index"`
	FileID  types.FileID `json:"file_id,omitempty"`
	Version uint64       `json:"version,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
	// Results has one entry per operation of a batch command.
	Results []OpResult `json:"results,omitempty"`
}

// OpResult is the outcome of one operation of a batch.
type OpResult struct {
	FileID  types.FileID `json:"file_id,omitempty"`
	Version uint64       `json:"version,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
}

func NewCommandResponse(res group.Result) CommandResponse {
	out := CommandResponse{
		Status:  StatusSuccess,
		Index:   res.Index,
		FileID:  res.FileID,
		Version: res.Version,
	}
	if res.Err != nil {
		out.Status = StatusError
		out.Error = res.Err.Error()
		out.Code = vfs.Code(res.Err)
	}
	for _, r := range res.Batch {
		op := OpResult{FileID: r.FileID, Version: r.Version}
		if r.Err != nil {
			op.Error = r.Err.Error()
			op.Code = vfs.Code(r.Err)
		}
		out.Results = append(out.Results, op)
	}
	return out
}

type GroupsResponse struct {
	Groups []types.GroupID `json:"groups"`
}

type MembersResponse struct {
	Members []types.Peer `json:"members"`
}

type FilesResponse struct {
	Files []vfs.FileRecord `json:"files"`
}

type IndexResponse struct {
	Status Status `json:"status"`
	Index  uint64 `json:"index"`
}

// MembershipRequest is the body of POST /api/groups/{group}/members.
type MembershipRequest struct {
	Op      string       `json:"op"`
	ID      types.NodeID `json:"id"`
	Address string       `json:"address,omitempty"`
}
