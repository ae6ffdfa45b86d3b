package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/sourceagent/internal/capability"
	"github.com/danmuck/sourceagent/internal/observability"
	"github.com/danmuck/sourceagent/internal/protocol"
)

// Open bootstraps the session: negotiate the api version, set the plugin
// context, then resolve and bind the local capability for opts.Type.
func (s *Session) Open(ctx context.Context, opts OpenOptions, resolver capability.Resolver) error {
	if resolver == nil {
		return fmt.Errorf("%w: nil resolver", ErrInvalidArgument)
	}
	version, err := s.GetAPIVersion(ctx)
	if err != nil {
		return fmt.Errorf("getApiVersion: %w", err)
	}
	if err := s.SetContext(ctx, opts.Type, opts.ResourceLocator, opts.Configuration); err != nil {
		return fmt.Errorf("setContext: %w", err)
	}
	c, err := resolver.Resolve(opts.Type)
	if err != nil {
		return fmt.Errorf("%w: type=%q: %w", ErrCapabilityResolution, opts.Type, err)
	}
	if err := s.Bind(c); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	s.logger.Info().
		Int("api_version", version).
		Str("type", opts.Type).
		Str("resource_locator", opts.ResourceLocator).
		Msg("session.Session.Open bound")
	return nil
}

// GetAPIVersion asks the plugin for its api version and records it when it is
// within the supported range.
func (s *Session) GetAPIVersion(ctx context.Context) (int, error) {
	var res protocol.APIVersionResult
	if err := s.call(ctx, protocol.MethodGetAPIVersion, &res); err != nil {
		return 0, err
	}
	if res.APIVersion < s.cfg.MinAPIVersion || res.APIVersion > s.cfg.MaxAPIVersion {
		return res.APIVersion, fmt.Errorf(
			"%w: plugin=%d supported=[%d,%d]",
			ErrIncompatibleVersion,
			res.APIVersion,
			s.cfg.MinAPIVersion,
			s.cfg.MaxAPIVersion,
		)
	}
	s.stateMu.Lock()
	s.apiVersion = res.APIVersion
	s.stateMu.Unlock()
	return res.APIVersion, nil
}

// SetContext hands the plugin its source type, resource locator and
// configuration. It succeeds at most once per session.
func (s *Session) SetContext(ctx context.Context, sourceType, locator string, configuration map[string]string) error {
	if err := s.requireVersion(); err != nil {
		return err
	}
	s.stateMu.Lock()
	if s.contextSet || s.contextBusy {
		s.stateMu.Unlock()
		return ErrContextLocked
	}
	s.contextBusy = true
	s.stateMu.Unlock()

	params := protocol.ContextParams{
		ResourceLocator:     locator,
		SourceConfiguration: configuration,
	}
	err := s.call(ctx, protocol.MethodSetContext, nil, sourceType, params)

	s.stateMu.Lock()
	s.contextBusy = false
	if err == nil {
		s.contextSet = true
		s.sourceType = sourceType
	}
	s.stateMu.Unlock()
	return err
}

// Bind attaches the capability catalog and read calls are served through.
func (s *Session) Bind(c capability.Capability) error {
	if c == nil {
		return capability.ErrNil
	}
	if c.SampleWidth() <= 0 {
		return fmt.Errorf("%w: sample width %d", ErrInvalidArgument, c.SampleWidth())
	}
	if err := s.requireContext(); err != nil {
		return err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.capability != nil {
		return ErrAlreadyBound
	}
	s.capability = c
	return nil
}

func (s *Session) GetCatalogIDs(ctx context.Context) ([]string, error) {
	if err := s.requireContext(); err != nil {
		return nil, err
	}
	var res protocol.CatalogIDsResult
	if err := s.call(ctx, protocol.MethodGetCatalogIDs, &res); err != nil {
		return nil, err
	}
	if res.CatalogIDs == nil {
		return []string{}, nil
	}
	return res.CatalogIDs, nil
}

func (s *Session) GetCatalog(ctx context.Context, catalogID string) (Catalog, error) {
	if err := s.requireContext(); err != nil {
		return nil, err
	}
	var res protocol.CatalogResult
	if err := s.call(ctx, protocol.MethodGetCatalog, &res, catalogID); err != nil {
		return nil, err
	}
	return res.Catalog, nil
}

func (s *Session) GetTimeRange(ctx context.Context, catalogID string) (TimeRange, error) {
	if err := s.requireContext(); err != nil {
		return TimeRange{}, err
	}
	var res protocol.TimeRangeResult
	if err := s.call(ctx, protocol.MethodGetTimeRange, &res, catalogID); err != nil {
		return TimeRange{}, err
	}
	begin, err := protocol.ParseTime(res.Begin)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: time range begin: %w", ErrProtocol, err)
	}
	end, err := protocol.ParseTime(res.End)
	if err != nil {
		return TimeRange{}, fmt.Errorf("%w: time range end: %w", ErrProtocol, err)
	}
	return TimeRange{Begin: begin, End: end}, nil
}

// GetAvailability returns the fraction of [begin, end) the plugin can serve.
func (s *Session) GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (float64, error) {
	if err := s.requireContext(); err != nil {
		return 0, err
	}
	var res protocol.AvailabilityResult
	err := s.call(
		ctx,
		protocol.MethodGetAvailability,
		&res,
		catalogID,
		protocol.FormatTime(begin),
		protocol.FormatTime(end),
	)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(res.Availability) || res.Availability < 0 || res.Availability > 1 {
		return 0, fmt.Errorf("%w: availability %v out of [0,1]", ErrProtocol, res.Availability)
	}
	return res.Availability, nil
}

// ReadSingle requests n elements of resource path over [begin, end) and reads
// exactly n times the bound sample width from the data stream after the ack.
// Abandoning a read after the request went out ends the session, since the
// data stream can no longer be kept in step.
func (s *Session) ReadSingle(ctx context.Context, path string, n int, begin, end time.Time) ([]byte, error) {
	c, err := s.requireBound()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative element count %d", ErrInvalidArgument, n)
	}
	width := c.SampleWidth()
	if n > s.cfg.MaxReadBytes/width {
		return nil, fmt.Errorf(
			"%w: read of %d elements of width %d exceeds limit %d bytes",
			ErrInvalidArgument,
			n,
			width,
			s.cfg.MaxReadBytes,
		)
	}
	size := n * width
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	err = s.call(
		ctx,
		protocol.MethodReadSingle,
		nil,
		path,
		n,
		protocol.FormatTime(begin),
		protocol.FormatTime(end),
	)
	if err != nil {
		if ctx.Err() != nil {
			s.abandonRead(err)
		}
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}

	reply := make(chan dataResult, 1)
	select {
	case s.dataReq <- dataRequest{size: size, reply: reply}:
	case <-s.done:
		return nil, s.lostErr(protocol.MethodReadSingle)
	case <-ctx.Done():
		s.abandonRead(ctx.Err())
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return nil, fmt.Errorf("%w: data read: %w", ErrSessionLost, res.err)
		}
		observability.RecordDataBytes(size)
		return res.buf, nil
	case <-ctx.Done():
		s.abandonRead(ctx.Err())
		return nil, ctx.Err()
	}
}

func (s *Session) abandonRead(cause error) {
	s.terminate(fmt.Errorf("%w: readSingle abandoned: %w", ErrSessionLost, cause))
}

func (s *Session) requireVersion() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.apiVersion == 0 {
		return ErrVersionNotNegotiated
	}
	return nil
}

func (s *Session) requireContext() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.apiVersion == 0 {
		return ErrVersionNotNegotiated
	}
	if !s.contextSet {
		return ErrContextNotSet
	}
	return nil
}

func (s *Session) requireBound() (capability.Capability, error) {
	if err := s.requireContext(); err != nil {
		return nil, err
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.capability == nil {
		return nil, ErrNotBound
	}
	return s.capability, nil
}
