// Package rtc adapts pion/webrtc to the transport interfaces of packages
// upstream and legs.
//
// Dialer opens the upstream session: one PeerConnection with an Opus send
// track, the remote audio track, and the "oai-events" data channel. The
// SDP offer is exchanged over HTTP with the realtime service.
//
// EndpointFactory creates one answering PeerConnection per client leg.
//
// Audio is relayed as opaque Opus RTP payloads. Nothing here decodes it.
package rtc
