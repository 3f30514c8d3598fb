// Package rangefetch reads byte ranges of remote audio files over HTTP.
//
// It covers what slicing needs from a server and nothing more:
//   - Stat: HEAD for content length, type and range support
//   - Fetch and ReadRange: GET with a Range header, tolerating servers that
//     answer 200 with the whole body
//   - Resolve: .pls and .m3u playlists are followed to the first media URL
package rangefetch
