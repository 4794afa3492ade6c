package comm

import "reflect"

// waitanyChans blocks until exactly one of chans yields a value, using
// reflect.Select since the channel count is only known at runtime (the
// pipelined rebuild waits on a varying number of in-flight chunk sends).
func waitanyChans(chans []chan requestResult) (int, []byte, error) {
	cases := make([]reflect.SelectCase, len(chans))
	for i, c := range chans {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(c)}
	}
	chosen, value, _ := reflect.Select(cases)
	res := value.Interface().(requestResult)
	return chosen, res.data, res.err
}
