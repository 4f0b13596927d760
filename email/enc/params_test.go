package enc

import (
	"reflect"
	"testing"
)

func TestDecodeParamsPlain(t *testing.T) {
	d := &Decoder{}
	got := d.Decode(`; charset=us-ascii; boundary="cut-here"`)
	want := Params{"charset": "us-ascii", "boundary": "cut-here"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}

func TestDecodeParamsContinuation(t *testing.T) {
	d := &Decoder{}
	got := d.Decode(`; title*0="Part one, "; title*1="part two."`)
	want := Params{"title": "Part one, part two."}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}

func TestDecodeParamsExtended(t *testing.T) {
	d := &Decoder{}
	got := d.Decode(`; filename*=utf-8''%e2%82%ac%20rates.pdf`)
	want := Params{"filename": "€ rates.pdf"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}

func TestDecodeParamsExtendedContinuation(t *testing.T) {
	d := &Decoder{}
	got := d.Decode(`; filename*0*=utf-8''%e2%82%ac; filename*1*=%20rates.pdf`)
	want := Params{"filename": "€ rates.pdf"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}

func TestDecodeParamsRelaxed(t *testing.T) {
	d := &Decoder{AllowValueSpaces: true}
	got := d.Decode(`addr=alice@example.com; keydata=mQINBFy`)
	want := Params{"addr": "alice@example.com", "keydata": "mQINBFy"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}

func TestDecodeParamsMalformedSkipped(t *testing.T) {
	d := &Decoder{}
	got := d.Decode(`; novalue; charset=utf-8`)
	want := Params{"charset": "utf-8"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Decode = %+v, want %+v", got, want)
	}
}
