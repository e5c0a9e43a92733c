package taskq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Built-in handlers for the task types the host can submit out of the box.
// Hosts register additional handlers for their own task types.

const (
	TypeCPUIntensive = "cpu_intensive"
	TypeHash         = "hash"
)

// CPUIntensive burns CPU deterministically. Payload: a map with an
// "iterations" count. Returns the accumulated float.
func CPUIntensive(_ context.Context, payload interface{}) (interface{}, error) {
	iterations, err := intField(payload, "iterations")
	if err != nil {
		return nil, err
	}
	var acc float64
	for i := 0; i < iterations; i++ {
		acc += math.Sqrt(float64(i)) * math.Sin(float64(i))
	}
	return acc, nil
}

// Hash computes a sha256 hex digest. Payload: a map with a "data" string.
func Hash(_ context.Context, payload interface{}) (interface{}, error) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("hash payload must be a map, got %T", payload)
	}
	data, ok := m["data"].(string)
	if !ok {
		return nil, fmt.Errorf("hash payload missing string field %q", "data")
	}
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:]), nil
}

func intField(payload interface{}, key string) (int, error) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("payload must be a map, got %T", payload)
	}
	switch v := m[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("payload missing numeric field %q", key)
	}
}
