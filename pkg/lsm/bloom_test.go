package lsm

import "testing"

func TestBloomFilterMayContain(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	bf.Add([]byte("present"))

	if !bf.MayContain([]byte("present")) {
		t.Fatal("expected MayContain(present) to be true")
	}
}

func TestBloomFilterSerializeRoundTrip(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for _, k := range []string{"a", "b", "c"} {
		bf.Add([]byte(k))
	}

	data, err := bf.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	restored, derr := DeserializeBloomFilter(data)
	if derr != nil {
		t.Fatal(derr)
	}
	for _, k := range []string{"a", "b", "c"} {
		if !restored.MayContain([]byte(k)) {
			t.Fatalf("expected restored filter to contain %q", k)
		}
	}
}
