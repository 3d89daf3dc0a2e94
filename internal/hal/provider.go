package hal

// bufferProvider feeds freshly captured hardware periods into the pull-side
// rate converter. It holds an explicit back-reference to its stream; the
// stream's lock must be held while the provider is driven.
//
// Exactly one hardware read happens per full exhaustion of the carry buffer:
// partial consumption across calls never triggers a re-read.
type bufferProvider struct {
	in *InputStream
}

// getNextBuffer returns a view into the unconsumed tail of the raw capture
// buffer, clipped to min(requested, carried frames). When the carry is empty
// it performs exactly one full-period hardware read, downmixing stereo to
// mono in place. Read failures become the stream's sticky read status.
func (p *bufferProvider) getNextBuffer(requested int) ([]int16, error) {
	in := p.in

	if in.pcm == nil {
		in.readStatus = ErrNotReady
		return nil, in.readStatus
	}

	if in.framesIn == 0 {
		periodSize := in.pcmConfig.PeriodSize
		raw := in.buffer[:periodSize*in.pcmConfig.Channels]
		if err := in.pcm.ReadFrames(raw); err != nil {
			in.logger.Error("capture read failed", "err", err)
			in.readStatus = err
			return nil, err
		}
		in.readStatus = nil
		in.framesIn = periodSize
		if in.pcmConfig.Channels == 2 {
			// Discard the right channel in place.
			for i := 1; i < in.framesIn; i++ {
				in.buffer[i] = in.buffer[i*2]
			}
		}
	}

	n := min(requested, in.framesIn)
	tail := in.pcmConfig.PeriodSize - in.framesIn
	return in.buffer[tail : tail+n], in.readStatus
}

// releaseBuffer marks frames of the last returned view as consumed.
func (p *bufferProvider) releaseBuffer(frames int) {
	p.in.framesIn -= frames
}
