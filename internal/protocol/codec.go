package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ProviderProtocolVersion is the version of the exec provider stdin/stdout envelope.
const ProviderProtocolVersion = 1

// ValidationError reports a request rejected at admission.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidation reports whether err is an admission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DecodeRequest reads a Request from r, assigns an ID when absent and validates it.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ValidateRequest enforces the admission rules on req.
func ValidateRequest(req *Request) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if strings.ContainsAny(req.ID, "/\\") {
		return &ValidationError{Field: "id", Message: "id must not contain path separators"}
	}
	if req.Agent.Limits.TimeoutMs < 0 {
		return &ValidationError{Field: "agent.limits.timeoutMs", Message: "must not be negative"}
	}
	if req.Agent.Limits.TimeoutMs > MaxTimeoutMs {
		return &ValidationError{Field: "agent.limits.timeoutMs", Message: fmt.Sprintf("must not exceed %d", MaxTimeoutMs)}
	}

	ws := req.Workspace
	switch ws.Kind() {
	case WorkspaceNone:
	case WorkspaceGit:
		if strings.TrimSpace(ws.Repo) == "" {
			return &ValidationError{Field: "workspace.repo", Message: "repo is required for git workspaces"}
		}
	case WorkspaceTempDir:
		for name := range ws.SeedFiles {
			if err := ValidateSeedPath(name); err != nil {
				return &ValidationError{Field: "workspace.seedFiles", Message: err.Error()}
			}
		}
	default:
		return &ValidationError{Field: "workspace.type", Message: fmt.Sprintf("unsupported workspace type %q", ws.Type)}
	}
	return nil
}

// ValidateSeedPath rejects seed file names that would land outside the temp directory.
func ValidateSeedPath(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("seed file path is empty")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("seed file path %q must be relative", name)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("seed file path %q escapes the workspace", name)
	}
	return nil
}

// EncodeProviderRequest serializes a ProviderRequest to JSON and writes it to w.
func EncodeProviderRequest(w io.Writer, req *ProviderRequest) error {
	if req.Protocol != ProviderProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// DecodeProviderResponseLenient reads a provider response, returning the raw bytes
// alongside any error so callers can log what the process actually printed.
// "ok" is accepted as a synonym for success.
func DecodeProviderResponseLenient(r io.Reader) (*ProviderResponse, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, data, fmt.Errorf("provider produced no output on stdout")
	}

	var resp ProviderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("provider output is not valid JSON: %w", err)
	}

	switch resp.Status {
	case "":
		return nil, data, fmt.Errorf("response missing required field: status")
	case "ok":
		resp.Status = StatusSuccess
	case StatusSuccess, StatusError:
	default:
		return nil, data, fmt.Errorf("invalid status value: %q", resp.Status)
	}

	if resp.Status == StatusError && resp.Error == "" {
		return nil, data, fmt.Errorf("response has status=error but no error message")
	}
	return &resp, data, nil
}
