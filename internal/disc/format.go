// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package disc

// Red Book CD-DA audio format. The archive stores this format raw and the
// whole playback pipeline assumes it; nothing else is supported.

// SampleRate is the number of frames per second. All Red Book audio CDs
// run at 44.1kHz.
const SampleRate = 44100

// Samples are signed 16-bit.
const BitsPerSample = 16
const BytesPerSample = BitsPerSample / 8

// Channels is the number of audio channels. All Red Book audio CDs are
// stereo.
const Channels = 2

// FrameBytes is the size of one frame: one sample for every channel.
const FrameBytes = Channels * BytesPerSample

// SectorsPerSecond is the number of CD sectors in one second of audio.
// A sector is 1/75th of a second; Red Book track offsets are specified
// as MM:SS:FF where FF counts these.
const SectorsPerSecond = 75

// SamplesPerSector is the number of per-channel sample pairs in one sector.
const SamplesPerSector = SampleRate / SectorsPerSecond

// BytesPerSector is the number of bytes of audio in one sector (2352).
const BytesPerSector = SampleRate * Channels * BytesPerSample / SectorsPerSecond

// LeadInSectors is the fixed two-second offset between the start of the
// program area and the first addressable sector. Disc id computation
// counts CD frames from the start of the lead-in.
const LeadInSectors = 2 * SectorsPerSecond

// PregapHiddenMin is the shortest index-0 gap on track 1 that is treated
// as a hidden audio track rather than the mandatory silent pregap,
// expressed in sectors (two seconds).
const PregapHiddenMin = 2 * SectorsPerSecond
