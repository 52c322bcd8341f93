package random

import (
	math_rand "math/rand"

	"github.com/lazybeaver/xorshift"
)

type xorShiftSource64 struct {
	xs xorshift.XorShift
}

func (s *xorShiftSource64) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

func (s *xorShiftSource64) Uint64() uint64 {
	return s.xs.Next()
}

func (s *xorShiftSource64) Seed(seed int64) {
	panic("XorShift source cannot be reseeded")
}

var _ math_rand.Source64 = (*xorShiftSource64)(nil)

// NewDeterministicGenerator creates a SingleThreadedGenerator that
// emits the same sequence of values for a given seed. Tests use it to
// obtain reproducible streams of incompressible data.
func NewDeterministicGenerator(seed uint64) SingleThreadedGenerator {
	return math_rand.New(&xorShiftSource64{
		xs: xorshift.NewXorShift64Star(seed),
	})
}
