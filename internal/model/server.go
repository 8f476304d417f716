package model

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// Config selects the model to serve and the devices to run it on.
type Config struct {
	Name              string `koanf:"name"`
	Devices           []int  `koanf:"devices"`
	SharedLibraryPath string `koanf:"sharedlibrarypath"`
}

// Server owns the ONNX sessions for one model. It implements depth.Model;
// with more than one device the batch is split across one session per device.
type Server struct {
	Name     string
	Metadata Metadata
	sessions []*Session
	model    depth.Model
}

// NewServer resolves cfg.Name through the registry, downloading it when
// needed, and opens a session on every configured device.
func NewServer(ctx context.Context, registry *Registry, cfg Config, logger *zap.Logger) (*Server, error) {
	enc, err := Encoder(cfg.Name)
	if err != nil {
		return nil, err
	}
	weights, definition, err := registry.Resolve(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	metadata, err := LoadMetadata(definition, enc)
	if err != nil {
		return nil, err
	}

	reduced := make(map[tensor.Precision]string)
	for p, rel := range metadata.ReducedWeights() {
		path, err := registry.ResolveFile(ctx, rel)
		if errors.Is(err, ErrNoRemote) {
			logger.Warn("half precision export unavailable, reduced precision will be emulated",
				zap.String("precision", string(p)), zap.String("path", path))
			continue
		}
		if err != nil {
			return nil, err
		}
		reduced[p] = path
	}

	devices := cfg.Devices
	if len(devices) == 0 {
		devices = []int{CPU}
	}

	s := &Server{Name: cfg.Name, Metadata: metadata}
	for _, device := range devices {
		session, err := NewSession(weights, reduced, metadata, device, cfg.SharedLibraryPath)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sessions = append(s.sessions, session)
		logger.Info("model session opened",
			zap.String("model", cfg.Name),
			zap.String("weights", weights),
			zap.Int("half_precision_exports", len(reduced)),
			zap.Int("device", device))
	}

	if len(s.sessions) == 1 {
		s.model = s.sessions[0]
	} else {
		replicas := make([]depth.Model, len(s.sessions))
		for i, session := range s.sessions {
			replicas[i] = session
		}
		dp, err := depth.NewDataParallel(replicas...)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to build data parallel model: %w", err)
		}
		s.model = dp
	}
	return s, nil
}

// Forward implements depth.Model.
func (s *Server) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return s.model.Forward(x)
}

// SupportsPrecision implements depth.PrecisionForwarder.
func (s *Server) SupportsPrecision(p tensor.Precision) bool {
	f, ok := s.model.(depth.PrecisionForwarder)
	return ok && f.SupportsPrecision(p)
}

// ForwardPrecision implements depth.PrecisionForwarder.
func (s *Server) ForwardPrecision(x *tensor.Tensor, p tensor.Precision) (*tensor.Tensor, error) {
	f, ok := s.model.(depth.PrecisionForwarder)
	if !ok {
		return nil, fmt.Errorf("model %s cannot run in %s", s.Name, p)
	}
	return f.ForwardPrecision(x, p)
}

// Capabilities implements depth.CapabilityReporter.
func (s *Server) Capabilities() depth.Capabilities {
	if r, ok := s.model.(depth.CapabilityReporter); ok {
		return r.Capabilities()
	}
	return depth.Capabilities{}
}

func (s *Server) Close() {
	for _, session := range s.sessions {
		session.Close()
	}
	s.sessions = nil
}
