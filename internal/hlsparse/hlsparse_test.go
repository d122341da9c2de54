package hlsparse

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:9.009,
segment0.ts
#EXTINF:9.009,
segment1.ts
#EXTINF:3.003,
segment2.ts
#EXT-X-ENDLIST
`

func TestParseMediaPlaylistScenario(t *testing.T) {
	master, media, err := Parse(samplePlaylist, "https://h/p.m3u8")
	require.NoError(t, err)
	require.Nil(t, master)
	require.NotNil(t, media)
	require.False(t, media.IsLive)
	require.Len(t, media.Segments, 3)
	require.Equal(t, "https://h/segment0.ts", media.Segments[0].URL)
	require.Equal(t, "https://h/segment1.ts", media.Segments[1].URL)
	require.Equal(t, "https://h/segment2.ts", media.Segments[2].URL)
	require.Equal(t, 0, media.Segments[0].Index)
	require.Equal(t, 1, media.Segments[1].Index)
	require.Equal(t, 2, media.Segments[2].Index)
	require.InDelta(t, 9.009, media.Segments[0].Duration, 0.0001)
	require.InDelta(t, 3.003, media.Segments[2].Duration, 0.0001)
	require.Equal(t, 10, media.TargetDuration)
	require.Equal(t, 0, media.MediaSequence)
}

func TestParseLiveMediaPlaylistWithoutEndlist(t *testing.T) {
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:3\n#EXTINF:6.0,\nseg3.ts\n"
	_, media, err := Parse(body, "https://h/live.m3u8")
	require.NoError(t, err)
	require.True(t, media.IsLive)
	require.Equal(t, 3, media.MediaSequence)
}

func TestParseMasterPlaylistSortedByBandwidthDescending(t *testing.T) {
	body := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n" +
		"low/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f\"\n" +
		"high/index.m3u8\n"
	master, media, err := Parse(body, "https://h/master.m3u8")
	require.NoError(t, err)
	require.Nil(t, media)
	require.Len(t, master.Variants, 2)
	require.Equal(t, 2500000, master.Variants[0].Bandwidth)
	require.Equal(t, "https://h/high/index.m3u8", master.Variants[0].URL)
	require.Equal(t, "avc1.4d401f", master.Variants[0].Codecs)
	require.Equal(t, 800000, master.Variants[1].Bandwidth)
}

func TestBestVariantAndClosestTo(t *testing.T) {
	m := Master{Variants: []Variant{
		{URL: "a", Bandwidth: 2500000},
		{URL: "b", Bandwidth: 800000},
		{URL: "c", Bandwidth: 1200000},
	}}
	require.Equal(t, "a", m.BestVariant().URL)
	require.Equal(t, "c", m.ClosestTo(1100000).URL)
	require.Equal(t, "b", m.ClosestTo(0).URL)
}

func TestMissingEXTM3UHeaderIsFormatError(t *testing.T) {
	_, _, err := Parse("#EXT-X-VERSION:3\n", "https://h/p.m3u8")
	require.ErrorIs(t, err, ErrNotM3U)
}

func TestLeadingSlashURLResolvesAgainstAuthority(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:1.0,\n/abs/seg0.ts\n"
	_, media, err := Parse(body, "https://h/path/to/p.m3u8")
	require.NoError(t, err)
	require.Equal(t, "https://h/abs/seg0.ts", media.Segments[0].URL)
}

func TestRelativeURLResolvesAgainstDirectory(t *testing.T) {
	body := "#EXTM3U\n#EXTINF:1.0,\nseg0.ts\n"
	_, media, err := Parse(body, "https://h/path/to/p.m3u8")
	require.NoError(t, err)
	require.Equal(t, "https://h/path/to/seg0.ts", media.Segments[0].URL)
}

func TestProgramDateTimeIsAttachedWhenPresent(t *testing.T) {
	body := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2026-07-30T12:00:00.000Z\n" +
		"#EXTINF:9.009,\n" +
		"segment0.ts\n" +
		"#EXTINF:9.009,\n" +
		"segment1.ts\n" +
		"#EXT-X-ENDLIST\n"
	_, media, err := Parse(body, "https://h/p.m3u8")
	require.NoError(t, err)
	require.Len(t, media.Segments, 2)

	require.NotNil(t, media.Segments[0].ProgramDateTime)
	want := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.True(t, media.Segments[0].ProgramDateTime.Equal(want))

	// The tag applies only to the segment immediately following it.
	require.Nil(t, media.Segments[1].ProgramDateTime)
}

func TestMalformedProgramDateTimeIsIgnoredNotFatal(t *testing.T) {
	body := "#EXTM3U\n" +
		"#EXT-X-PROGRAM-DATE-TIME:not-a-timestamp\n" +
		"#EXTINF:9.009,\n" +
		"segment0.ts\n"
	_, media, err := Parse(body, "https://h/p.m3u8")
	require.NoError(t, err)
	require.Nil(t, media.Segments[0].ProgramDateTime)
}

func TestMasterVariantStructureMatchesExpected(t *testing.T) {
	body := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\n" +
		"low/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f\"\n" +
		"high/index.m3u8\n"
	master, _, err := Parse(body, "https://h/master.m3u8")
	require.NoError(t, err)

	want := []Variant{
		{URL: "https://h/high/index.m3u8", Bandwidth: 2500000, Resolution: "1280x720", Codecs: "avc1.4d401f"},
		{URL: "https://h/low/index.m3u8", Bandwidth: 800000, Resolution: "640x360"},
	}
	if diff := cmp.Diff(want, master.Variants); diff != "" {
		t.Fatalf("variant list mismatch (-want +got):\n%s", diff)
	}
}
