package sfm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ParseRequestFile reads and parses an averaging request JSON file
func ParseRequestFile(path string) (*AveragingRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseRequestJSON(data)
}

// ParseRequestJSON parses either a full request object or a bare array of
// relative rotations.
func ParseRequestJSON(data []byte) (*AveragingRequest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rel RelativeRotations
		if err := json.Unmarshal(trimmed, &rel); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		return &AveragingRequest{RelativeRotations: rel}, nil
	}

	var req AveragingRequest
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &req, nil
}

// ViewCount returns the requested view count, or 1 + the largest view id
// when none was given. An explicit count is never enlarged, so edges
// beyond it fail validation.
func (req *AveragingRequest) ViewCount() int {
	if req.NumViews > 0 {
		return req.NumViews
	}
	return req.RelativeRotations.NumViews()
}

// ReferenceOr returns the requested reference view or def.
func (req *AveragingRequest) ReferenceOr(def ViewID) ViewID {
	if req.Reference != nil {
		return *req.Reference
	}
	return def
}

// SaveResult writes an averaging result as indented JSON.
func SaveResult(path string, res *Result) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating result directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result file: %w", err)
	}
	return nil
}

// LoadResult reads a result written by SaveResult. A missing file yields
// nil, nil.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result file: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing result file: %w", err)
	}
	return &res, nil
}
