package zb8

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateImage_Plain(t *testing.T) {
	bench := newTestBench(false)

	upgrade := bench.slot(0, Upgrade)
	run := bench.slot(0, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1, Minor: 2, Rev: 3},
		build:        77,
		bodySize:     2000,
		bodySeed:     0x11,
	})

	installTestImage(upgrade, image)

	var info ImageInfo

	err := bench.e.ValidateImage(&info, upgrade, run)
	require.NoError(t, err)

	require.True(t, info.Valid())
	require.False(t, info.Confirmed)
	require.False(t, info.IsBootloader)
	require.Equal(t, uint32(testHdrSize), info.Start)
	require.Equal(t, uint32(testHdrSize+2000), info.End)

	// Plaintext: the encryption region is empty.
	require.Equal(t, info.End, info.EncStart)

	require.Equal(t, uint32(1)<<24|uint32(2)<<16|3, info.Version)
	require.Equal(t, uint32(77), info.Build)
}

func TestValidateImage_Encrypted(t *testing.T) {
	bench := newTestBench(false)

	upgrade := bench.slot(0, Upgrade)
	run := bench.slot(0, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1},
		bodySize:     1500,
		bodySeed:     0x22,
		encrypt:      true,
	})

	installTestImage(upgrade, image)

	var info ImageInfo

	err := bench.e.ValidateImage(&info, upgrade, run)
	require.NoError(t, err)

	require.True(t, info.KeyOK)
	require.Equal(t, info.Start, info.EncStart)
}

func TestValidateImage_CorruptBody(t *testing.T) {
	bench := newTestBench(false)

	upgrade := bench.slot(0, Upgrade)
	run := bench.slot(0, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1},
		bodySize:     1000,
	})

	// Flip one body bit.
	image[testHdrSize+100] ^= 0x01

	installTestImage(upgrade, image)

	var info ImageInfo

	err := bench.e.ValidateImage(&info, upgrade, run)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestValidateImage_CorruptSignature(t *testing.T) {
	bench := newTestBench(false)

	upgrade := bench.slot(0, Upgrade)
	run := bench.slot(0, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1},
		bodySize:     1000,
	})

	image[testHdrSize-1] ^= 0x01

	installTestImage(upgrade, image)

	var info ImageInfo

	err := bench.e.ValidateImage(&info, upgrade, run)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestValidateImage_BadMagic(t *testing.T) {
	bench := newTestBench(false)

	upgrade := bench.slot(0, Upgrade)

	err := upgrade.Erase(0, upgrade.Size)
	require.NoError(t, err)

	err = bench.e.HasImageHeader(upgrade)
	require.Error(t, err)
}

func TestGetImageInfo_Confirmed(t *testing.T) {
	bench := newTestBench(false)

	run := bench.slot(0, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 2},
		bodySize:     800,
		confirmed:    true,
	})

	installTestImage(run, image)

	var info ImageInfo

	err := bench.e.GetImageInfo(&info, run)
	require.NoError(t, err)
	require.True(t, info.Confirmed)
}

func TestGetImageInfo_Bootloader(t *testing.T) {
	bench := newTestBench(false)

	run := bench.slot(1, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testInplaceUpgrade,
		runOffset:    testBootOffset + testHdrSize,
		version:      Ver{Major: 1},
		bodySize:     600,
	})

	installTestImage(run, image)

	var info ImageInfo

	err := bench.e.GetImageInfo(&info, run)
	require.NoError(t, err)
	require.True(t, info.IsBootloader)
}

func TestValidateImage_DependencySatisfied(t *testing.T) {
	bench := newTestBench(false)

	run := bench.slot(0, Run)
	upgrade := bench.slot(0, Upgrade)

	// Installed image, version 1.4.
	installed := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1, Minor: 4},
		bodySize:     500,
		confirmed:    true,
	})

	installTestImage(run, installed)

	// The staged image requires a run-slot image between 1.4 and 1.4:
	// the clamp for unconfirmed self-dependencies makes any wider range
	// collapse to its upper bound anyway.
	staged := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1, Minor: 5},
		bodySize:     500,
		deps: []Dep{
			{
				ImgOffset: testClassicRun,
				VerMin:    Ver{Major: 1, Minor: 0},
				VerMax:    Ver{Major: 1, Minor: 4},
			},
		},
	})

	installTestImage(upgrade, staged)

	var info ImageInfo

	err := bench.e.ValidateImage(&info, upgrade, run)
	require.NoError(t, err)
}

func TestValidateImage_DependencyViolated(t *testing.T) {
	bench := newTestBench(false)

	run := bench.slot(0, Run)
	upgrade := bench.slot(0, Upgrade)

	installed := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1, Minor: 0},
		bodySize:     500,
		confirmed:    true,
	})

	installTestImage(run, installed)

	// Requires at least 2.0 in the run slot.
	staged := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 2, Minor: 1},
		bodySize:     500,
		deps: []Dep{
			{
				ImgOffset: testClassicRun,
				VerMin:    Ver{Major: 2, Minor: 0},
				VerMax:    Ver{Major: 2, Minor: 0},
			},
		},
	})

	installTestImage(upgrade, staged)

	var info ImageInfo

	err := bench.e.ValidateImage(&info, upgrade, run)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestValidateImage_DependencyOnEmptyRegion(t *testing.T) {
	bench := newTestBench(false)

	run := bench.slot(0, Run)
	upgrade := bench.slot(0, Upgrade)

	err := run.Erase(0, run.Size)
	require.NoError(t, err)

	// A dependency against a region with no image header passes: there
	// is nothing to conflict with.
	staged := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1},
		bodySize:     500,
		confirmed:    true,
		deps: []Dep{
			{
				ImgOffset: testInplaceRun,
				VerMin:    Ver{Major: 1, Minor: 0},
				VerMax:    Ver{Major: 1, Minor: 9},
			},
		},
	})

	err = bench.slot(1, Run).Erase(0, testSlotSize)
	require.NoError(t, err)

	installTestImage(upgrade, staged)

	var info ImageInfo

	err = bench.e.ValidateImage(&info, upgrade, run)
	require.NoError(t, err)
}

func TestConfirmAndValidate(t *testing.T) {
	bench := newTestBench(false)

	run := bench.slot(0, Run)

	image := buildTestImage(bench.keys, testImageSpec{
		uploadOffset: testClassicUpgrade,
		runOffset:    testClassicRun + testHdrSize,
		version:      Ver{Major: 1},
		bodySize:     900,
	})

	installTestImage(run, image)

	// Unconfirmed: the trailer does not verify yet.
	err := bench.e.Validate(run)
	require.ErrorIs(t, err, ErrInvalidImage)

	err = bench.e.Confirm(run)
	require.NoError(t, err)

	err = bench.e.Validate(run)
	require.NoError(t, err)

	// Confirm is idempotent.
	err = bench.e.Confirm(run)
	require.NoError(t, err)

	// Confirmation must not disturb the signature.
	var info ImageInfo

	err = bench.e.GetImageInfo(&info, run)
	require.NoError(t, err)
	require.True(t, info.Confirmed)
}
