package kafka

import "github.com/segmentio/kafka-go"

type headerCarrier map[string]string

func (c headerCarrier) Get(k string) string { return c[k] }
func (c headerCarrier) Set(k, v string)     { c[k] = v }
func (c headerCarrier) Keys() []string {
	ks := make([]string, 0, len(c))
	for k := range c {
		ks = append(ks, k)
	}
	return ks
}

func (c headerCarrier) toKafka() []kafka.Header {
	hs := make([]kafka.Header, 0, len(c))
	for k, v := range c {
		hs = append(hs, kafka.Header{Key: k, Value: []byte(v)})
	}
	return hs
}
