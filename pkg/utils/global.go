package utils

//CanonicalWidth is the width every frame is resized to before inference
const CanonicalWidth = 720

//CanonicalHeight is round(CanonicalWidth * 9/16). Frames are forced to 16:9 whatever the source aspect ratio
const CanonicalHeight = 405

//OutputFPS is the frame rate of every annotated video, independent of the source's
const OutputFPS = 30.0

//OutputCodec is the fourcc of annotated videos
const OutputCodec = "MJPG"

//OutputExt is the container extension matching OutputCodec
const OutputExt = ".avi"

//PreviewQuality is the JPEG quality of live preview frames
const PreviewQuality = 80
