package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/diffusion/tensor"
)

func TestOutput(t *testing.T) {
	outputs := Tensors{OutSample: tensor.Zeros(1, 4, 8, 8)}

	got, err := Output(Unet, outputs, OutSample)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 8, 8}, got.Shape())

	_, err = Output(VaeDecoder, outputs, Sample)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, VaeDecoder, ierr.Model)
	assert.Equal(t, Sample, ierr.Tensor)
	assert.ErrorIs(t, err, ErrMissingTensor)
	assert.Equal(t, "vae_decoder: sample: missing tensor", err.Error())
}

func TestRunWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	engine := Func(func(context.Context, ModelType, Tensors) (Tensors, error) {
		return nil, boom
	})

	_, err := Run(context.Background(), engine, Unet, nil)
	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, Unet, ierr.Model)
	assert.ErrorIs(t, err, boom)

	typed := &Error{Model: VaeEncoder, Tensor: Sample, Err: boom}
	engine = func(context.Context, ModelType, Tensors) (Tensors, error) { return nil, typed }
	_, err = Run(context.Background(), engine, Unet, nil)
	assert.Same(t, typed, err)

	engine = func(context.Context, ModelType, Tensors) (Tensors, error) { return nil, context.Canceled }
	_, err = Run(context.Background(), engine, Unet, nil)
	assert.Equal(t, context.Canceled, err)
}

func TestSerial(t *testing.T) {
	var active, peak atomic.Int32
	engine := Serial(Func(func(context.Context, ModelType, Tensors) (Tensors, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return Tensors{}, nil
	}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Run(context.Background(), Unet, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Run(ctx, Unet, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestModelTypeString(t *testing.T) {
	assert.Equal(t, "unet", Unet.String())
	assert.Equal(t, "text_encoder_2", TextEncoder2.String())
	assert.Equal(t, "ModelType(42)", ModelType(42).String())
}
