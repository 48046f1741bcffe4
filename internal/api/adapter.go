package api

import (
	"encoding/base64"
	"fmt"

	"github.com/katzenpost/randsrv/internal/apierr"
	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/epoch"
	"github.com/katzenpost/randsrv/internal/keysync"
	"github.com/katzenpost/randsrv/internal/ppoprf"
	"gopkg.in/op/go-logging.v1"
)

// Adapter implements the request-adapter operations independent of any
// HTTP framework; handlers.go binds these methods to gorilla/mux routes.
type Adapter struct {
	Registry *epoch.Registry
	KeySync  *keysync.Controller // nil when enclave_key_sync is disabled
	Log      *logging.Logger
}

// Evaluate decodes each base64 point, evaluates it under the named
// instance's active tag, and returns the encoded outputs in input
// order. A requested epoch that does not match the active tag is
// rejected rather than silently downgraded. The slot's read lock is
// held across the whole batch so the active tag cannot move mid-request.
func (a *Adapter) Evaluate(instanceName string, points []string, requestedEpoch *uint8) ([]string, uint8, error) {
	view, err := a.Registry.Get(instanceName)
	if err != nil {
		return nil, 0, err
	}
	defer view.Release()

	inst := view.Instance()
	if inst == nil {
		return nil, 0, apierr.New(apierr.NotReady, "instance %q is not ready (awaiting key material)", instanceName)
	}

	tag := inst.ActiveTag
	if requestedEpoch != nil && *requestedEpoch != tag {
		return nil, 0, apierr.New(apierr.BadEpoch, "requested epoch %d does not match active epoch %d", *requestedEpoch, tag)
	}

	if len(points) > config.MaxPoints {
		return nil, 0, apierr.New(apierr.TooManyPoints, "request has %d points, maximum is %d", len(points), config.MaxPoints)
	}

	out := make([]string, len(points))
	for i, encoded := range points {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, 0, apierr.New(apierr.BadBase64, "point %d: %v", i, err)
		}
		point, err := ppoprf.DecodePoint(raw)
		if err != nil {
			return nil, 0, apierr.New(apierr.BadPoint, "point %d: %v", i, err)
		}
		result, err := inst.Server.Evaluate(point, tag, false)
		if err != nil {
			return nil, 0, fmt.Errorf("api: ppoprf evaluation failed: %w", err)
		}
		out[i] = base64.StdEncoding.EncodeToString(ppoprf.EncodePoint(result))
	}

	return out, tag, nil
}

// Info returns the named instance's public key, current epoch, and next
// rotation time.
func (a *Adapter) Info(instanceName string) (publicKey string, currentEpoch uint8, nextEpochTime *string, err error) {
	view, err := a.Registry.Get(instanceName)
	if err != nil {
		return "", 0, nil, err
	}
	defer view.Release()

	inst := view.Instance()
	if inst == nil {
		return "", 0, nil, apierr.New(apierr.NotReady, "instance %q is not ready (awaiting key material)", instanceName)
	}

	pk := base64.StdEncoding.EncodeToString(inst.Server.PublicKey())
	next := inst.NextRotationRFC3339()
	return pk, inst.ActiveTag, &next, nil
}

// ListInstances returns all configured instance names and the default
// name. It reads only static configuration, so it stays available even
// while every slot is awaiting key material.
func (a *Adapter) ListInstances() ([]string, string) {
	return a.Registry.Names(), a.Registry.DefaultName()
}

// PutKeys installs key material pushed by the enclave host, or returns
// an error if key-sync is disabled entirely.
func (a *Adapter) PutKeys(data []byte) error {
	if a.KeySync == nil {
		return apierr.New(apierr.InvalidPrivateKeyCall, "key synchronization is not enabled")
	}
	return a.KeySync.PutKeys(data)
}

// GetKeys exports all instances' key material for the enclave host, or
// returns an error if key-sync is disabled entirely.
func (a *Adapter) GetKeys() ([]byte, error) {
	if a.KeySync == nil {
		return nil, apierr.New(apierr.InvalidPrivateKeyCall, "key synchronization is not enabled")
	}
	return a.KeySync.GetKeys()
}
