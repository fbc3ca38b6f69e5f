// Package bandwidth keeps rolling bandwidth windows per stream.
//
// Each Window holds at most maxLive+rollUp live samples. When one more
// arrives the oldest rollUp samples are folded into a history Bucket, so
// memory stays bounded however long a stream lives. The Aggregator feeds
// windows from STREAM_BW and BW events and is driven by the event loop;
// none of its methods may be called from another goroutine.
package bandwidth
