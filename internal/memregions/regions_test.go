package memregions

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestRegionOfDecodesBases(t *testing.T) {
	tests := []struct {
		region Region
		base   uintptr
	}{
		{Small, 1 << MaxRegionsSizeShift},
		{Medium, 3 << MaxRegionsSizeShift},
		{Large, 5 << MaxRegionsSizeShift},
		{ExtraLarge, 7 << MaxRegionsSizeShift},
	}
	for _, tc := range tests {
		require.Equal(t, tc.base, tc.region.Base())
		// Anywhere inside the reservation decodes to the same class.
		for _, off := range []uintptr{0, 4096, MaxRegionsSize - 8} {
			got, ok := RegionOf(tc.base + off)
			require.True(t, ok)
			require.Equal(t, tc.region, got)
		}
	}
}

func TestRegionOfRejectsNonHeap(t *testing.T) {
	for _, p := range []uintptr{0, 1, 0x400000, 2 << MaxRegionsSizeShift, 9 << MaxRegionsSizeShift} {
		_, ok := RegionOf(p)
		require.False(t, ok, "0x%x", p)
	}
}

func TestSmallestWhichFits(t *testing.T) {
	hdr := uint64(unsafe.Sizeof(RegionHeader{}))
	require.Equal(t, Small, SmallestWhichFits(64))
	require.Equal(t, Small, SmallestWhichFits(SmallRegionSize-hdr))
	require.Equal(t, Medium, SmallestWhichFits(SmallRegionSize-hdr+1))
	require.Equal(t, Large, SmallestWhichFits(MediumRegionSize))
	require.Equal(t, ExtraLarge, SmallestWhichFits(2*Megabyte))
}

func TestBiggerAndMax(t *testing.T) {
	require.Equal(t, Medium, Small.Bigger())
	require.Equal(t, ExtraLarge, ExtraLarge.Bigger())
	require.Equal(t, Large, Small.Max(Large))
	require.Equal(t, Large, Large.Max(Medium))
}

func TestRegionHeaderFieldOffsets(t *testing.T) {
	// The inline allocation path in generated code hard-codes these.
	var h RegionHeader
	require.Equal(t, uintptr(RegionHeaderAllocatedTypeIDOffset), unsafe.Offsetof(h.AllocatedTypeID))
	require.Equal(t, uintptr(RegionHeaderElemSizeOffset), unsafe.Offsetof(h.ElemSize))
	require.Equal(t, uintptr(RegionHeaderNextFreeOffsetOffset), unsafe.Offsetof(h.NextFreeOffset))
	require.Equal(t, uintptr(RegionHeaderRegionSizeOffset), unsafe.Offsetof(h.RegionSize))
}

// fakeRegion builds a region header over plain Go memory; the bump logic
// does not care where the region lives.
func fakeRegion(t *testing.T, elemSize, regionSize uint64) (*RegionHeader, []byte) {
	t.Helper()
	buf := make([]byte, regionSize)
	h := (*RegionHeader)(unsafe.Pointer(&buf[0]))
	h.AllocatedTypeID = 42
	h.ElemSize = elemSize
	h.NextFreeOffset = uint64(unsafe.Sizeof(RegionHeader{}))
	h.RegionSize = regionSize
	return h, buf
}

func TestAllocateConstantSizeBumps(t *testing.T) {
	h, _ := fakeRegion(t, 16, 128)
	base := uintptr(unsafe.Pointer(h))

	first := h.AllocateConstantSize()
	require.Equal(t, base+unsafe.Sizeof(RegionHeader{}), first)
	second := h.AllocateConstantSize()
	require.Equal(t, first+16, second)
}

func TestAllocateConstantSizeExhaustion(t *testing.T) {
	h, _ := fakeRegion(t, 32, 128)
	var got []uintptr
	for {
		p := h.AllocateConstantSize()
		if p == 0 {
			break
		}
		got = append(got, p)
	}
	// 128 bytes minus the header leaves three 32-byte slots.
	require.Len(t, got, 3)
	// Exhausted stays exhausted.
	require.Equal(t, uintptr(0), h.AllocateConstantSize())
}

func TestAllocateConstantSizeConcurrent(t *testing.T) {
	const elem = 8
	h, _ := fakeRegion(t, elem, 4096)
	var mu sync.Mutex
	seen := map[uintptr]bool{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				p := h.AllocateConstantSize()
				if p == 0 {
					return
				}
				mu.Lock()
				require.False(t, seen[p], "address handed out twice")
				seen[p] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, (4096-int(unsafe.Sizeof(RegionHeader{})))/elem)
}

func TestHeaderOfMasksToRegionBase(t *testing.T) {
	ptr := uintptr(SmallRegionBase<<MaxRegionsSizeShift) + 3*SmallRegionSize + 256
	h, err := HeaderOf(ptr)
	require.NoError(t, err)
	require.Equal(t, uintptr(SmallRegionBase<<MaxRegionsSizeShift)+3*SmallRegionSize, uintptr(unsafe.Pointer(h)))

	_, err = HeaderOf(0x1234)
	require.Error(t, err)
}
