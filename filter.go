package callcore

import "context"

// Filter is an asynchronous transform applied to metadata, messages, and
// trailers flowing through a single Call, in either direction. The default
// behavior for any transform a concrete Filter does not override is
// identity; embed DefaultFilter to get that for free.
type Filter interface {
	SendMetadata(ctx context.Context, md Metadata) (Metadata, error)
	SendMessage(ctx context.Context, w WriteObject) (WriteObject, error)
	ReceiveMetadata(ctx context.Context, md Metadata) (Metadata, error)
	ReceiveMessage(ctx context.Context, buf []byte) ([]byte, error)
	ReceiveTrailers(ctx context.Context, s StatusObject) (StatusObject, error)
}

// DefaultFilter implements Filter with identity transforms. Concrete
// filters embed it and override only the transforms they care about,
// mirroring how grpchan's interceptor chains let a nil interceptor mean
// "pass through".
type DefaultFilter struct{}

func (DefaultFilter) SendMetadata(_ context.Context, md Metadata) (Metadata, error) { return md, nil }
func (DefaultFilter) SendMessage(_ context.Context, w WriteObject) (WriteObject, error) {
	return w, nil
}
func (DefaultFilter) ReceiveMetadata(_ context.Context, md Metadata) (Metadata, error) {
	return md, nil
}
func (DefaultFilter) ReceiveMessage(_ context.Context, buf []byte) ([]byte, error) { return buf, nil }
func (DefaultFilter) ReceiveTrailers(_ context.Context, s StatusObject) (StatusObject, error) {
	return s, nil
}

var _ Filter = DefaultFilter{}

// FilterFactory constructs one Filter per Call. Factories are registered on
// a Channel in a fixed order; that order determines both the send-direction
// application order and the (mirrored) receive-direction order for every
// Call the Channel creates.
type FilterFactory interface {
	NewFilter(methodName string) Filter
}

// FilterFactoryFunc adapts a plain function to FilterFactory.
type FilterFactoryFunc func(methodName string) Filter

func (f FilterFactoryFunc) NewFilter(methodName string) Filter { return f(methodName) }

// FilterStack is the ordered composition of Filters bound to one Call.
// Send-direction transforms apply filters[0] first through filters[n-1]
// last; receive-direction transforms apply the mirror image,
// filters[n-1] first through filters[0] last. Each transform is awaited
// before its result is passed to the next filter in the chain; the chain
// is walked iteratively (not recursively) to avoid stack growth
// proportional to filter count.
type FilterStack struct {
	filters []Filter
}

// NewFilterStack constructs a FilterStack for the given method by invoking
// every registered factory, in registration order.
func NewFilterStack(methodName string, factories []FilterFactory) *FilterStack {
	fs := &FilterStack{filters: make([]Filter, len(factories))}
	for i, f := range factories {
		fs.filters[i] = f.NewFilter(methodName)
	}
	return fs
}

// SendMetadata runs every filter's SendMetadata transform in registration
// order, feeding each filter's output to the next.
func (fs *FilterStack) SendMetadata(ctx context.Context, md Metadata) (Metadata, error) {
	var err error
	for _, f := range fs.filters {
		md, err = f.SendMetadata(ctx, md)
		if err != nil {
			return Metadata{}, err
		}
	}
	return md, nil
}

// SendMessage runs every filter's SendMessage transform in registration
// order.
func (fs *FilterStack) SendMessage(ctx context.Context, w WriteObject) (WriteObject, error) {
	var err error
	for _, f := range fs.filters {
		w, err = f.SendMessage(ctx, w)
		if err != nil {
			return WriteObject{}, err
		}
	}
	return w, nil
}

// ReceiveMetadata runs every filter's ReceiveMetadata transform in reverse
// registration order (the mirror image of the send direction).
func (fs *FilterStack) ReceiveMetadata(ctx context.Context, md Metadata) (Metadata, error) {
	var err error
	for i := len(fs.filters) - 1; i >= 0; i-- {
		md, err = fs.filters[i].ReceiveMetadata(ctx, md)
		if err != nil {
			return Metadata{}, err
		}
	}
	return md, nil
}

// ReceiveMessage runs every filter's ReceiveMessage transform in reverse
// registration order.
func (fs *FilterStack) ReceiveMessage(ctx context.Context, buf []byte) ([]byte, error) {
	var err error
	for i := len(fs.filters) - 1; i >= 0; i-- {
		buf, err = fs.filters[i].ReceiveMessage(ctx, buf)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// ReceiveTrailers runs every filter's ReceiveTrailers transform in reverse
// registration order.
func (fs *FilterStack) ReceiveTrailers(ctx context.Context, s StatusObject) (StatusObject, error) {
	var err error
	for i := len(fs.filters) - 1; i >= 0; i-- {
		s, err = fs.filters[i].ReceiveTrailers(ctx, s)
		if err != nil {
			return StatusObject{}, err
		}
	}
	return s, nil
}
