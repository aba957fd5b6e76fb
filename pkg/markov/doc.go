/*
Package markov provides an order-1 Markov chain over bytes.

A Model observes a stream of training bytes and records, for each possible
preceding byte, how often each following byte occurred. From that it
generates pseudo-random byte sequences whose statistics mimic the training
data. A zero byte drawn during generation ends the sequence early.

	m, err := markov.New()
	if err != nil {
		return err
	}
	m.Train([]byte("hello"))
	buf, used, err := m.Generate(16)

Models are safe for concurrent use, can be snapshotted, restored, merged and
exported as JSON, and can be exposed as an io.ReadWriter through Device.
*/
package markov
