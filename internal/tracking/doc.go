// Package tracking owns object identity for the occupancy counter.
//
// Responsibilities: associate each frame's anonymous detections with live
// tracks by greedy nearest-centroid matching, keep a bounded centroid
// history per track, count consecutive misses, and evict tracks that have
// been absent for longer than the configured threshold.
// Key types: Detection, Track, Tracker, LiveSet.
//
// The tracker knows nothing about the counting boundary. The only Track
// field it does not own is Crossed, which belongs to the counting package.
package tracking
