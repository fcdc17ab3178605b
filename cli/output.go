package cli

import (
	"fmt"
	"io"

	"github.com/sugawarayuuta/sonnet"

	"tagring/tagerr"
)

// emit writes data as one JSON document or calls text to render it.
func (o *RootOptions) emit(w io.Writer, data any, text func(io.Writer)) error {
	if o.Output == "json" {
		b, err := sonnet.Marshal(data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}
	text(w)
	return nil
}

// channelList converts flag values to channel ids.
func channelList(flag string, vals []int) ([]uint8, error) {
	out := make([]uint8, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return nil, tagerr.New(tagerr.Value, "cli", "", fmt.Sprintf("--%s: channel %d outside [0, 255]", flag, v))
		}
		out[i] = uint8(v)
	}
	return out, nil
}

func channelArg(flag string, v int) (uint8, error) {
	ch, err := channelList(flag, []int{v})
	if err != nil {
		return 0, err
	}
	return ch[0], nil
}
